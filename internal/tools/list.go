package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ListFilesName is the builtin directory lister.
const ListFilesName = "list_files"

// ListFilesTool lists workspace entries.
type ListFilesTool struct {
	resolver   Resolver
	maxEntries int
}

// NewListFilesTool creates a lister scoped to root.
func NewListFilesTool(root string, maxEntries int) *ListFilesTool {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	return &ListFilesTool{resolver: Resolver{Root: root}, maxEntries: maxEntries}
}

func (t *ListFilesTool) Name() string { return ListFilesName }

func (t *ListFilesTool) Description() string {
	return "List files under a workspace directory, optionally filtered by a glob pattern on the base name."
}

func (t *ListFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "Directory relative to the workspace. Defaults to the root."},
    "pattern": {"type": "string", "description": "Glob applied to base names, e.g. *.go."},
    "recursive": {"type": "boolean"}
  }
}`)
}

type listFilesArgs struct {
	Path      string `json:"path"`
	Pattern   string `json:"pattern"`
	Recursive bool   `json:"recursive"`
}

type listFilesResult struct {
	Path      string   `json:"path"`
	Entries   []string `json:"entries"`
	Truncated bool     `json:"truncated,omitempty"`
}

func (t *ListFilesTool) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args listFilesArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if args.Path == "" {
		args.Path = "."
	}
	if args.Pattern != "" {
		if _, err := filepath.Match(args.Pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
	}
	root, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return nil, err
	}

	result := listFilesResult{Path: t.resolver.Relative(root), Entries: []string{}}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() && !args.Recursive {
			result.Entries = append(result.Entries, t.resolver.Relative(path)+"/")
			return fs.SkipDir
		}
		if args.Pattern != "" {
			if ok, _ := filepath.Match(args.Pattern, d.Name()); !ok {
				return nil
			}
		}
		if d.IsDir() {
			return nil
		}
		if len(result.Entries) >= t.maxEntries {
			result.Truncated = true
			return fs.SkipAll
		}
		result.Entries = append(result.Entries, t.resolver.Relative(path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	sort.Strings(result.Entries)
	return result, nil
}

// Artifact implements Artifacter.
func (t *ListFilesTool) Artifact(raw json.RawMessage) (string, string) {
	var args listFilesArgs
	_ = json.Unmarshal(raw, &args)
	if args.Path == "" {
		args.Path = "."
	}
	return models.ArtifactCommand, "list_files " + args.Path
}

// RegisterBuiltins registers read_file and list_files rooted at workspace.
func RegisterBuiltins(r *Registry, workspace string, maxReadBytes int) error {
	if err := r.Register(NewReadFileTool(workspace, maxReadBytes)); err != nil {
		return err
	}
	return r.Register(NewListFilesTool(workspace, 0))
}
