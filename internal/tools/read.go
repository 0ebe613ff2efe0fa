package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ReadFileName is the builtin file reader; the shell fallback of the
// tool-call parser synthesizes calls to it.
const ReadFileName = "read_file"

// ReadFileTool reads workspace files.
type ReadFileTool struct {
	resolver Resolver
	maxBytes int
}

// NewReadFileTool creates a reader scoped to root.
func NewReadFileTool(root string, maxBytes int) *ReadFileTool {
	if maxBytes <= 0 {
		maxBytes = 200000
	}
	return &ReadFileTool{resolver: Resolver{Root: root}, maxBytes: maxBytes}
}

func (t *ReadFileTool) Name() string { return ReadFileName }

func (t *ReadFileTool) Description() string {
	return "Read a text file from the workspace. Optional max_lines returns only the first lines."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "Path to the file, relative to the workspace."},
    "max_lines": {"type": "integer", "minimum": 1, "description": "Return at most this many lines."}
  },
  "required": ["path"]
}`)
}

type readFileArgs struct {
	Path     string `json:"path"`
	MaxLines int    `json:"max_lines"`
}

type readFileResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (t *ReadFileTool) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args readFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	resolved, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", args.Path)
	}

	var content string
	truncated := false
	if args.MaxLines > 0 {
		var sb strings.Builder
		scanner := bufio.NewScanner(io.LimitReader(file, int64(t.maxBytes)))
		scanner.Buffer(make([]byte, 64*1024), t.maxBytes)
		lines := 0
		for scanner.Scan() {
			if lines == args.MaxLines {
				truncated = true
				break
			}
			sb.Write(scanner.Bytes())
			sb.WriteByte('\n')
			lines++
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		content = sb.String()
	} else {
		buf, err := io.ReadAll(io.LimitReader(file, int64(t.maxBytes)))
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		content = string(buf)
		truncated = info.Size() > int64(len(buf))
	}
	return readFileResult{Path: t.resolver.Relative(resolved), Content: content, Truncated: truncated}, nil
}

// Artifact implements Artifacter.
func (t *ReadFileTool) Artifact(raw json.RawMessage) (string, string) {
	var args readFileArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.Path == "" {
		return "", ""
	}
	if resolved, err := t.resolver.Resolve(args.Path); err == nil {
		return models.ArtifactFile, t.resolver.Relative(resolved)
	}
	return models.ArtifactFile, args.Path
}
