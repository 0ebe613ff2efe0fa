package config

import "fmt"

// CurrentVersion is the config file format this build reads. Files without
// a version field are treated as CurrentVersion.
const CurrentVersion = 1

// VersionProblem says why a config version was refused.
type VersionProblem string

const (
	VersionInvalid VersionProblem = "invalid"
	VersionTooNew  VersionProblem = "newer than this build"
)

// VersionError is returned by ValidateVersion.
type VersionError struct {
	Version int
	Problem VersionProblem
}

func (e *VersionError) Error() string {
	if e.Problem == VersionTooNew {
		return fmt.Sprintf("config version %d is newer than this build supports (%d); upgrade conductor", e.Version, CurrentVersion)
	}
	return fmt.Sprintf("config version %d is %s; expected 1..%d", e.Version, e.Problem, CurrentVersion)
}

// ValidateVersion accepts versions 1 through CurrentVersion.
func ValidateVersion(version int) error {
	if version < 1 {
		return &VersionError{Version: version, Problem: VersionInvalid}
	}
	if version > CurrentVersion {
		return &VersionError{Version: version, Problem: VersionTooNew}
	}
	return nil
}
