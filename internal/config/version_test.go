package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		problem VersionProblem
	}{
		{CurrentVersion, ""},
		{0, VersionInvalid},
		{-3, VersionInvalid},
		{CurrentVersion + 1, VersionTooNew},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.problem == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v, want nil", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("ValidateVersion(%d) = %T, want *VersionError", tt.version, err)
		}
		if ve.Problem != tt.problem {
			t.Errorf("ValidateVersion(%d).Problem = %q, want %q", tt.version, ve.Problem, tt.problem)
		}
	}
}

func TestVersionErrorMessage(t *testing.T) {
	tests := []struct {
		version int
		want    string
	}{
		{CurrentVersion + 1, "upgrade conductor"},
		{-1, "expected 1.."},
	}
	for _, tt := range tests {
		if got := ValidateVersion(tt.version).Error(); !strings.Contains(got, tt.want) {
			t.Errorf("ValidateVersion(%d).Error() = %q, want substring %q", tt.version, got, tt.want)
		}
	}
}
