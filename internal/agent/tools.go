package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yubzen/agentstream/internal/execution"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	errMissingParameter = errors.New("required tool parameter is missing")
)

type ToolResult struct {
	Output string
	Data   map[string]any
	// Process is set by tools that ran a managed process.
	Process *execution.Result
}

type Tool struct {
	Name        string
	Description string
	Execute     func(ctx context.Context, params map[string]any) (ToolResult, error)
}

// ToolSet maps capability names to statically registered handlers.
type ToolSet struct {
	ordered []Tool
	byName  map[string]Tool
}

type ToolEnv struct {
	WorkingDir string
	Manager    *execution.Manager
	// Timeout applies to process tools when a step sets none.
	Timeout time.Duration
}

func NewToolSet(tools ...Tool) ToolSet {
	byName := make(map[string]Tool, len(tools))
	ordered := make([]Tool, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(strings.ToLower(t.Name))
		if name == "" || t.Execute == nil {
			continue
		}
		t.Name = name
		if _, dup := byName[name]; !dup {
			ordered = append(ordered, t)
		}
		byName[name] = t
	}
	return ToolSet{
		ordered: ordered,
		byName:  byName,
	}
}

func (t ToolSet) Get(name string) (Tool, bool) {
	if t.byName == nil {
		return Tool{}, false
	}
	tool, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	return tool, ok
}

// Lookup returns the first registered tool among names, skipping blanks.
func (t ToolSet) Lookup(names ...string) (Tool, error) {
	var tried []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if tool, ok := t.Get(name); ok {
			return tool, nil
		}
		tried = append(tried, name)
	}
	if len(tried) == 0 {
		return Tool{}, fmt.Errorf("%w: step names no tool", ErrToolNotFound)
	}
	return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, strings.Join(tried, ", "))
}

func (t ToolSet) Names() []string {
	out := make([]string, 0, len(t.ordered))
	for _, tool := range t.ordered {
		out = append(out, tool.Name)
	}
	return out
}

// Describe lists the tools for display.
func (t ToolSet) Describe() string {
	if len(t.ordered) == 0 {
		return ""
	}
	lines := make([]string, 0, len(t.ordered))
	for _, tool := range t.ordered {
		lines = append(lines, fmt.Sprintf("- %s: %s", tool.Name, strings.TrimSpace(tool.Description)))
	}
	return strings.Join(lines, "\n")
}

func DefaultToolSet(env ToolEnv) ToolSet {
	if strings.TrimSpace(env.WorkingDir) == "" {
		env.WorkingDir = "."
	}
	if env.Manager == nil {
		env.Manager = execution.NewManager(execution.WithWorkDir(env.WorkingDir))
	}
	return NewToolSet(
		newExecuteScriptTool(env),
		newRunCodeTool(env),
		newShellTool(env),
		newVerifyTool(env),
		newInstallDependenciesTool(env),
		newGatherContextTool(env),
		newReadFileTool(env),
		newWriteFileTool(env),
		newRespondTool(),
	)
}

func processResult(res execution.Result) (ToolResult, error) {
	return ToolResult{
		Output:  res.Output,
		Data:    map[string]any{"status": string(res.Status), "exit_code": res.ExitCode},
		Process: &res,
	}, nil
}

func newExecuteScriptTool(env ToolEnv) Tool {
	return Tool{
		Name:        "execute_script",
		Description: "Run a script file; the interpreter is picked from its shebang or extension.",
		Execute: func(ctx context.Context, params map[string]any) (ToolResult, error) {
			if err := checkContextCancelled(ctx); err != nil {
				return ToolResult{}, err
			}
			script, err := requiredStringParam(params, "script")
			if err != nil {
				return ToolResult{}, err
			}
			if !filepath.IsAbs(script) {
				script = filepath.Join(effectiveWorkingDir(env.WorkingDir), script)
			}
			args, err := stringListParam(params, "args")
			if err != nil {
				return ToolResult{}, err
			}
			timeout, err := durationParam(params, "timeout", env.Timeout)
			if err != nil {
				return ToolResult{}, err
			}
			return processResult(env.Manager.RunScript(ctx, script, args, timeout))
		},
	}
}

func newRunCodeTool(env ToolEnv) Tool {
	return Tool{
		Name:        "run_code",
		Description: "Run a code snippet with an explicit or detected runtime.",
		Execute: func(ctx context.Context, params map[string]any) (ToolResult, error) {
			if err := checkContextCancelled(ctx); err != nil {
				return ToolResult{}, err
			}
			code, err := requiredStringParam(params, "code")
			if err != nil {
				return ToolResult{}, err
			}
			runtime, _ := params["runtime"].(string)
			timeout, err := durationParam(params, "timeout", env.Timeout)
			if err != nil {
				return ToolResult{}, err
			}
			envVars, err := stringMapParam(params, "env")
			if err != nil {
				return ToolResult{}, err
			}
			return processResult(env.Manager.RunCode(ctx, code, runtime, timeout, envVars))
		},
	}
}

func newShellTool(env ToolEnv) Tool {
	return Tool{
		Name:        "shell",
		Description: "Run a shell command in the workspace.",
		Execute: func(ctx context.Context, params map[string]any) (ToolResult, error) {
			if err := checkContextCancelled(ctx); err != nil {
				return ToolResult{}, err
			}
			command, err := requiredStringParam(params, "command")
			if err != nil {
				return ToolResult{}, err
			}
			timeout, err := durationParam(params, "timeout", env.Timeout)
			if err != nil {
				return ToolResult{}, err
			}
			rt, path, err := env.Manager.Runtimes().Resolve("bash")
			if err != nil {
				rt, path, err = env.Manager.Runtimes().Resolve("sh")
			}
			if err != nil {
				return ToolResult{}, err
			}
			return processResult(env.Manager.Run(ctx, execution.Spec{
				Path:    path,
				Args:    []string{"-c", command},
				Dir:     effectiveWorkingDir(env.WorkingDir),
				Timeout: timeout,
				Runtime: rt.Name,
			}))
		},
	}
}

func newVerifyTool(env ToolEnv) Tool {
	return Tool{
		Name:        "verify_tool",
		Description: "Check that a runtime or executable is available.",
		Execute: func(ctx context.Context, params map[string]any) (ToolResult, error) {
			if err := checkContextCancelled(ctx); err != nil {
				return ToolResult{}, err
			}
			name, err := requiredStringParam(params, "tool")
			if err != nil {
				return ToolResult{}, err
			}
			if _, known := env.Manager.Runtimes().Get(name); known {
				if !env.Manager.Verify(ctx, name) {
					return ToolResult{}, fmt.Errorf("runtime %s is not available", name)
				}
				_, path, _ := env.Manager.Runtimes().Resolve(name)
				return ToolResult{Output: fmt.Sprintf("%s available at %s", name, path), Data: map[string]any{"path": path}}, nil
			}
			path, err := exec.LookPath(name)
			if err != nil {
				return ToolResult{}, fmt.Errorf("tool %s is not available", name)
			}
			return ToolResult{Output: fmt.Sprintf("%s available at %s", name, path), Data: map[string]any{"path": path}}, nil
		},
	}
}

func newInstallDependenciesTool(env ToolEnv) Tool {
	return Tool{
		Name:        "install_dependencies",
		Description: "Install packages with a runtime's package manager.",
		Execute: func(ctx context.Context, params map[string]any) (ToolResult, error) {
			if err := checkContextCancelled(ctx); err != nil {
				return ToolResult{}, err
			}
			runtime, err := requiredStringParam(params, "runtime")
			if err != nil {
				return ToolResult{}, err
			}
			packages, err := stringListParam(params, "packages")
			if err != nil {
				return ToolResult{}, err
			}
			if !env.Manager.InstallDependencies(ctx, runtime, packages) {
				return ToolResult{}, fmt.Errorf("installing %s packages failed", runtime)
			}
			return ToolResult{Output: fmt.Sprintf("installed %d %s packages", len(packages), runtime)}, nil
		},
	}
}

func newReadFileTool(env ToolEnv) Tool {
	return Tool{
		Name:        "read_file",
		Description: "Read UTF-8 text from a file under the current workspace.",
		Execute: func(ctx context.Context, params map[string]any) (ToolResult, error) {
			if err := checkContextCancelled(ctx); err != nil {
				return ToolResult{}, err
			}
			path, err := requiredStringParam(params, "path")
			if err != nil {
				return ToolResult{}, err
			}
			absPath, relPath, err := resolveWorkspacePath(effectiveWorkingDir(env.WorkingDir), path)
			if err != nil {
				return ToolResult{}, err
			}
			content, err := os.ReadFile(absPath)
			if err != nil {
				return ToolResult{}, err
			}
			return ToolResult{
				Output: string(content),
				Data:   map[string]any{"path": relPath},
			}, nil
		},
	}
}

func newWriteFileTool(env ToolEnv) Tool {
	return Tool{
		Name:        "write_file",
		Description: "Write full file content to a workspace path.",
		Execute: func(ctx context.Context, params map[string]any) (ToolResult, error) {
			if err := checkContextCancelled(ctx); err != nil {
				return ToolResult{}, err
			}
			path, err := requiredStringParam(params, "path")
			if err != nil {
				return ToolResult{}, err
			}
			content, _ := params["content"].(string)
			absPath, relPath, err := resolveWorkspacePath(effectiveWorkingDir(env.WorkingDir), path)
			if err != nil {
				return ToolResult{}, err
			}
			if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
				return ToolResult{}, err
			}
			if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
				return ToolResult{}, err
			}
			return ToolResult{
				Output: fmt.Sprintf("wrote %d bytes to %s", len(content), relPath),
				Data:   map[string]any{"path": relPath},
			}, nil
		},
	}
}

// respond carries planner narrative into the event stream without side
// effects.
func newRespondTool() Tool {
	return Tool{
		Name:        "respond",
		Description: "Report a message without running anything.",
		Execute: func(ctx context.Context, params map[string]any) (ToolResult, error) {
			if err := checkContextCancelled(ctx); err != nil {
				return ToolResult{}, err
			}
			message, err := requiredStringParam(params, "message")
			if err != nil {
				return ToolResult{}, err
			}
			return ToolResult{Output: message}, nil
		},
	}
}

func requiredStringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", errMissingParameter, key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", key)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s", errMissingParameter, key)
	}
	return value, nil
}

func stringListParam(params map[string]any, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case string:
		return strings.Fields(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q must be a list of strings", key)
	}
}

func stringMapParam(params map[string]any, key string) (map[string]string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = fmt.Sprint(v[k])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q must be a mapping", key)
	}
}

// durationParam accepts seconds as a number or a Go duration string.
func durationParam(params map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d, nil
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %q must be a duration", key)
		}
		return time.Duration(secs * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("parameter %q must be a duration", key)
	}
}

func effectiveWorkingDir(workingDir string) string {
	workingDir = strings.TrimSpace(workingDir)
	if workingDir == "" {
		return "."
	}
	return workingDir
}

func resolveWorkspacePath(root, path string) (absPath string, relPath string, err error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", "", err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", "", errors.New("path is empty")
	}

	var targetAbs string
	if filepath.IsAbs(path) {
		targetAbs = filepath.Clean(path)
	} else {
		targetAbs = filepath.Clean(filepath.Join(rootAbs, path))
	}

	relToRoot, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", "", err
	}
	relToRoot = filepath.Clean(relToRoot)
	if relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", "", errors.New("path escapes workspace root")
	}
	return targetAbs, filepath.ToSlash(relToRoot), nil
}
