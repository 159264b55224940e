package agent

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yubzen/agentstream/internal/execution"
)

func TestNewToolSetNormalizesNames(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, map[string]any) (ToolResult, error) { return ToolResult{}, nil }
	set := NewToolSet(
		Tool{Name: " Shell ", Execute: noop},
		Tool{Name: "shell", Execute: noop},
		Tool{Name: "", Execute: noop},
		Tool{Name: "broken"},
	)
	if got := set.Names(); len(got) != 1 || got[0] != "shell" {
		t.Fatalf("unexpected names: %v", got)
	}
	if _, ok := set.Get("SHELL"); !ok {
		t.Fatal("lookup should be case-insensitive")
	}
}

func TestToolSetLookupUnknown(t *testing.T) {
	t.Parallel()

	set := DefaultToolSet(ToolEnv{WorkingDir: t.TempDir()})
	if _, err := set.Lookup("", "teleport"); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
	if _, err := set.Lookup(" ", ""); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound for empty names, got %v", err)
	}
	tool, err := set.Lookup("teleport", "respond")
	if err != nil {
		t.Fatalf("expected fallback to second name: %v", err)
	}
	if tool.Name != "respond" {
		t.Fatalf("unexpected tool %q", tool.Name)
	}
}

func TestDefaultToolSetNames(t *testing.T) {
	t.Parallel()

	set := DefaultToolSet(ToolEnv{WorkingDir: t.TempDir()})
	want := []string{"execute_script", "run_code", "shell", "verify_tool", "install_dependencies", "gather_context", "read_file", "write_file", "respond"}
	got := set.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected tools: %v", got)
	}
	if !strings.Contains(set.Describe(), "- respond:") {
		t.Fatalf("describe missing respond: %q", set.Describe())
	}
}

func TestWriteAndReadFileTools(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	set := DefaultToolSet(ToolEnv{WorkingDir: root})
	write, _ := set.Get("write_file")
	read, _ := set.Get("read_file")
	ctx := context.Background()

	if _, err := write.Execute(ctx, map[string]any{"path": "notes/a.txt", "content": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(root, "notes", "a.txt"))
	if err != nil || string(content) != "hello" {
		t.Fatalf("unexpected file content %q: %v", content, err)
	}
	res, err := read.Execute(ctx, map[string]any{"path": "notes/a.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Output != "hello" || res.Data["path"] != "notes/a.txt" {
		t.Fatalf("unexpected read result: %+v", res)
	}
	if _, err := read.Execute(ctx, map[string]any{"path": "../outside.txt"}); err == nil {
		t.Fatal("expected path escape to be rejected")
	}
	if _, err := read.Execute(ctx, map[string]any{}); !errors.Is(err, errMissingParameter) {
		t.Fatalf("expected missing parameter error, got %v", err)
	}
}

func TestExecuteScriptTool(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.sh"), []byte("#!/bin/sh\necho Hello\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	set := DefaultToolSet(ToolEnv{WorkingDir: root, Manager: execution.NewManager(execution.WithWorkDir(root))})
	tool, _ := set.Get("execute_script")

	res, err := tool.Execute(context.Background(), map[string]any{"script": "hello.sh", "timeout": 5})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Process == nil || !res.Process.Success() {
		t.Fatalf("expected successful process, got %+v", res.Process)
	}
	if strings.TrimSpace(res.Output) != "Hello" {
		t.Fatalf("unexpected output %q", res.Output)
	}
}

func TestRespondTool(t *testing.T) {
	t.Parallel()

	tool, _ := DefaultToolSet(ToolEnv{}).Get("respond")
	res, err := tool.Execute(context.Background(), map[string]any{"message": "  done  "})
	if err != nil || res.Output != "done" {
		t.Fatalf("unexpected respond result %+v: %v", res, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tool.Execute(ctx, map[string]any{"message": "x"}); !IsRunCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestDurationParam(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  any
		want time.Duration
	}{
		{raw: nil, want: time.Minute},
		{raw: 2, want: 2 * time.Second},
		{raw: 1.5, want: 1500 * time.Millisecond},
		{raw: "250ms", want: 250 * time.Millisecond},
		{raw: "3", want: 3 * time.Second},
	}
	for _, tc := range cases {
		got, err := durationParam(map[string]any{"timeout": tc.raw}, "timeout", time.Minute)
		if err != nil {
			t.Fatalf("durationParam(%v): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("durationParam(%v) = %v, want %v", tc.raw, got, tc.want)
		}
	}
	if _, err := durationParam(map[string]any{"timeout": "soon"}, "timeout", 0); err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestExecutorUnknownTool(t *testing.T) {
	t.Parallel()

	exe := NewToolExecutor(DefaultToolSet(ToolEnv{WorkingDir: t.TempDir()}), nil)
	res := exe.ExecuteStep(context.Background(), PlanStep{Action: "teleport"})
	if res.Success {
		t.Fatal("unknown tool should fail")
	}
	if !strings.Contains(res.Error, ErrToolNotFound.Error()) {
		t.Fatalf("unexpected error %q", res.Error)
	}
}

func TestExecutorRecoversToolPanic(t *testing.T) {
	t.Parallel()

	set := NewToolSet(Tool{Name: "boom", Execute: func(context.Context, map[string]any) (ToolResult, error) {
		panic("kaboom")
	}})
	res := NewToolExecutor(set, nil).ExecuteStep(context.Background(), PlanStep{ToolName: "boom"})
	if res.Success || !strings.Contains(res.Error, "kaboom") {
		t.Fatalf("expected panic captured as failure, got %+v", res)
	}
}

func TestExecutorMapsProcessResult(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "fail.sh"), []byte("#!/bin/sh\necho nope\nexit 4\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	exe := NewToolExecutor(DefaultToolSet(ToolEnv{WorkingDir: root}), nil)
	res := exe.ExecuteStep(context.Background(), PlanStep{Action: "execute_script", Params: map[string]any{"script": "fail.sh"}})
	if res.Success {
		t.Fatal("non-zero exit should fail")
	}
	if res.Runtime != "sh" || res.Error != "exit status 4" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ResourceUsage == nil {
		t.Fatal("expected resource usage to be reported")
	}
	if !strings.HasPrefix(res.Summary(PlanStep{}), "Error executing step: ") {
		t.Fatalf("unexpected summary %q", res.Summary(PlanStep{}))
	}
}

func TestGatherContextWorkspaceBrief(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for rel, content := range map[string]string{
		"go.mod":          "module example.com/x\n",
		"cmd/app/main.go": "package main\n",
		"scripts/run.sh":  "echo hi\n",
		".git/HEAD":       "ref: main\n",
	} {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tool, _ := DefaultToolSet(ToolEnv{WorkingDir: root}).Get("gather_context")
	res, err := tool.Execute(context.Background(), map[string]any{"type": "file system status"})
	if err != nil {
		t.Fatalf("gather_context: %v", err)
	}
	for _, want := range []string{"(3 files)", "Go(1)", "Shell(1)", "Project files: go.mod", "- cmd/app/main.go"} {
		if !strings.Contains(res.Output, want) {
			t.Fatalf("expected %q in brief:\n%s", want, res.Output)
		}
	}
	if strings.Contains(res.Output, ".git") {
		t.Fatalf("vcs directory should be skipped:\n%s", res.Output)
	}
}

func TestGatherContextRuntimesAndUnknownType(t *testing.T) {
	t.Parallel()

	tool, _ := DefaultToolSet(ToolEnv{WorkingDir: t.TempDir()}).Get("gather_context")
	res, err := tool.Execute(context.Background(), map[string]any{"type": "package information"})
	if err != nil {
		t.Fatalf("gather_context: %v", err)
	}
	if !strings.Contains(res.Output, "python:") || !strings.Contains(res.Output, "sh:") {
		t.Fatalf("expected one line per runtime, got %q", res.Output)
	}

	res, err = tool.Execute(context.Background(), map[string]any{"type": "process status"})
	if err != nil {
		t.Fatalf("gather_context: %v", err)
	}
	if !strings.Contains(res.Output, "No tracked processes") {
		t.Fatalf("unexpected process report %q", res.Output)
	}

	if _, err := tool.Execute(context.Background(), map[string]any{"type": "weather"}); err == nil {
		t.Fatal("expected unknown context type to fail")
	}
}
