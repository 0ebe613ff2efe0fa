// Package prompts loads named prompt templates from a directory, falling
// back to embedded defaults.
package prompts

import (
	"context"
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Well-known prompt names.
const (
	System     = "system"
	Compaction = "compaction"
	Memory     = "memory"
)

//go:embed defaults/*.md
var defaultsFS embed.FS

type cached struct {
	content string
	modTime time.Time
	size    int64
}

// Store caches prompt files by modification time.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cached

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStore creates a store reading <dir>/<name>.md. An empty dir serves
// only the embedded defaults.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    strings.TrimSpace(dir),
		logger: logger.With("component", "prompts"),
		cache:  make(map[string]cached),
	}
}

// Load returns the named prompt. Missing or unreadable files fall back to
// the embedded default; unknown names without a file return "".
func (s *Store) Load(name string) string {
	if s.dir != "" {
		path := filepath.Join(s.dir, name+".md")
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			s.mu.RLock()
			entry, ok := s.cache[name]
			s.mu.RUnlock()
			if ok && entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
				return entry.content
			}
			data, err := os.ReadFile(path)
			if err == nil {
				content := strings.TrimSpace(string(data))
				s.mu.Lock()
				s.cache[name] = cached{content: content, modTime: info.ModTime(), size: info.Size()}
				s.mu.Unlock()
				return content
			}
			s.logger.Warn("failed to read prompt file", "path", path, "error", err)
		}
	}
	return Default(name)
}

// Default returns the embedded prompt for name.
func Default(name string) string {
	data, err := defaultsFS.ReadFile("defaults/" + name + ".md")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Invalidate drops the cached entry for name.
func (s *Store) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

// Watch invalidates cache entries when files in the prompt directory change.
func (s *Store) Watch(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel
	s.wg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			base := filepath.Base(event.Name)
			if name, ok := strings.CutSuffix(base, ".md"); ok {
				s.Invalidate(name)
				s.logger.Debug("prompt changed", "name", name, "op", event.Op.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("prompt watch error", "error", err)
		}
	}
}

// Close stops the watcher.
func (s *Store) Close() error {
	s.watchMu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	s.wg.Wait()
	return nil
}
