package prompts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	s := NewStore("", nil)
	for _, name := range []string{System, Compaction, Memory} {
		if got := s.Load(name); got == "" {
			t.Errorf("Load(%q) = empty, want embedded default", name)
		}
	}
	if got := s.Load("unknown"); got != "" {
		t.Errorf("Load(unknown) = %q, want empty", got)
	}
}

func TestLoadFileOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.md")
	if err := os.WriteFile(path, []byte("  custom system prompt\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(dir, nil)
	if got := s.Load(System); got != "custom system prompt" {
		t.Errorf("Load() = %q, want custom system prompt", got)
	}
	if got := s.Load(Memory); !strings.Contains(got, "long-term memory") {
		t.Errorf("Load(memory) = %q, want embedded default", got)
	}

	if err := os.WriteFile(path, []byte("second version, longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if got := s.Load(System); got != "second version, longer" {
		t.Errorf("Load() after change = %q", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if got := s.Load(System); got != Default(System) {
		t.Errorf("Load() after delete = %q, want default", got)
	}
}

func TestWatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	if err := s.Watch(context.Background()); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer s.Close()

	path := filepath.Join(dir, "compaction.md")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := s.Load(Compaction); got != "v1" {
		t.Fatalf("Load() = %q, want v1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		_, ok := s.cache[Compaction]
		s.mu.RUnlock()
		if !ok {
			break
		}
		// Touch the file until the watcher observes a write.
		_ = os.WriteFile(path, []byte("v1"), 0o644)
		time.Sleep(20 * time.Millisecond)
	}
	s.mu.RLock()
	_, ok := s.cache[Compaction]
	s.mu.RUnlock()
	if ok {
		t.Error("cache entry not invalidated by watch event")
	}
}
