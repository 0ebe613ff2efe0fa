package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

type funcTool struct {
	name   string
	schema string
	fn     func(ctx context.Context, args json.RawMessage) (any, error)
}

func (f funcTool) Name() string            { return f.name }
func (f funcTool) Description() string     { return "test tool" }
func (f funcTool) Schema() json.RawMessage { return json.RawMessage(f.schema) }
func (f funcTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return f.fn(ctx, args)
}

func newWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pkg", "util.go"), []byte("package pkg\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRegistryExecute(t *testing.T) {
	registry := NewRegistry(Config{Timeout: 50 * time.Millisecond}, nil, nil, nil)
	tools := []Tool{
		funcTool{name: "echo", schema: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`, fn: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct{ Text string }
			_ = json.Unmarshal(args, &in)
			return in.Text, nil
		}},
		funcTool{name: "fail", fn: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		}},
		funcTool{name: "panic", fn: func(ctx context.Context, args json.RawMessage) (any, error) {
			panic("oops")
		}},
		funcTool{name: "slow", fn: func(ctx context.Context, args json.RawMessage) (any, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return nil, ctx.Err()
		}},
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name(), err)
		}
	}

	tests := []struct {
		name      string
		call      models.ToolCall
		wantOK    bool
		wantData  any
		wantError string
	}{
		{"success", models.ToolCall{Name: "echo", Arguments: map[string]any{"text": "hi"}}, true, "hi", ""},
		{"string arguments", models.ToolCall{Name: "echo", Arguments: `{"text":"raw"}`}, true, "raw", ""},
		{"schema violation", models.ToolCall{Name: "echo", Arguments: map[string]any{}}, false, nil, "invalid_input"},
		{"unknown tool", models.ToolCall{Name: "nope"}, false, nil, "not_found"},
		{"tool error", models.ToolCall{Name: "fail"}, false, nil, "disk on fire"},
		{"panic captured", models.ToolCall{Name: "panic"}, false, nil, "panic"},
		{"timeout", models.ToolCall{Name: "slow"}, false, nil, "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registry.Execute(context.Background(), tt.call)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got.OK != tt.wantOK {
				t.Errorf("Execute().OK = %v, want %v (error %q)", got.OK, tt.wantOK, got.Error)
			}
			if tt.wantOK && got.Data != tt.wantData {
				t.Errorf("Execute().Data = %v, want %v", got.Data, tt.wantData)
			}
			if tt.wantError != "" && !strings.Contains(got.Error, tt.wantError) {
				t.Errorf("Execute().Error = %q, want containing %q", got.Error, tt.wantError)
			}
			if got.Tool != tt.call.Name || got.Timestamp == 0 {
				t.Errorf("Execute() envelope = %+v", got)
			}
		})
	}
}

func TestRegistryExecuteCancelled(t *testing.T) {
	registry := NewRegistry(Config{}, nil, nil, nil)
	_ = registry.Register(funcTool{name: "wait", fn: func(ctx context.Context, args json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := registry.Execute(ctx, models.ToolCall{Name: "wait"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v, want context.Canceled", err)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	registry := NewRegistry(Config{}, nil, nil, nil)
	err := registry.Register(funcTool{name: "bad", schema: `{"type": 12}`, fn: nil})
	if err == nil {
		t.Fatal("Register() expected schema compile error")
	}
}

func TestBuiltinsRecordArtifacts(t *testing.T) {
	workspace := newWorkspace(t)
	store := storage.NewMemoryStore()
	registry := NewRegistry(Config{}, store, nil, nil)
	if err := RegisterBuiltins(registry, workspace, 0); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	ctx := WithScope(context.Background(), "u1", "s1")

	res, err := registry.Execute(ctx, models.ToolCall{Name: ReadFileName, Arguments: map[string]any{"path": "main.go", "max_lines": 1}})
	if err != nil || !res.OK {
		t.Fatalf("read_file = %+v, %v", res, err)
	}
	data := res.Data.(readFileResult)
	if data.Content != "package main\n" || !data.Truncated {
		t.Errorf("read_file content = %q truncated=%v", data.Content, data.Truncated)
	}

	res, _ = registry.Execute(ctx, models.ToolCall{Name: ListFilesName, Arguments: map[string]any{"recursive": true, "pattern": "*.go"}})
	listing := res.Data.(listFilesResult)
	if strings.Join(listing.Entries, ",") != "main.go,pkg/util.go" {
		t.Errorf("list_files entries = %v", listing.Entries)
	}

	res, _ = registry.Execute(ctx, models.ToolCall{Name: ReadFileName, Arguments: map[string]any{"path": "../outside"}})
	if res.OK || !strings.Contains(res.Error, "escapes workspace") {
		t.Errorf("read_file outside workspace = %+v", res)
	}

	events, _ := store.RecentArtifacts(context.Background(), "u1", "s1", 10)
	if len(events) != 2 {
		t.Fatalf("artifacts = %+v, want 2", events)
	}
	if events[0].Kind != models.ArtifactCommand || events[1].Kind != models.ArtifactFile || events[1].Target != "main.go" {
		t.Errorf("artifacts = %+v", events)
	}
}

func TestSpecs(t *testing.T) {
	registry := NewRegistry(Config{}, nil, nil, nil)
	_ = RegisterBuiltins(registry, t.TempDir(), 0)
	if got := registry.Specs(nil); len(got) != 2 {
		t.Errorf("Specs(nil) len = %d, want 2", len(got))
	}
	got := registry.Specs([]string{ReadFileName, "missing"})
	if len(got) != 1 || got[0].Name != ReadFileName {
		t.Errorf("Specs(read_file) = %+v", got)
	}
}

func TestResultJSON(t *testing.T) {
	r := Result{Tool: "x", OK: false, Error: "boom", Timestamp: 1}
	if got, want := r.JSON(), `{"tool":"x","ok":false,"error":"boom","timestamp":1}`; got != want {
		t.Errorf("JSON() = %s, want %s", got, want)
	}
}
