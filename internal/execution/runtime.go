package execution

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var ErrRuntimeNotFound = errors.New("runtime not found")

// Runtime maps a logical language name to the interpreter that runs it.
type Runtime struct {
	Name       string
	Command    string
	Extensions []string
	// ProbeArgs is the cheap invocation used to check the interpreter works.
	ProbeArgs []string
	// InstallCommand defaults to Command when empty.
	InstallCommand string
	InstallArgs    []string
}

func (r Runtime) extension() string {
	if len(r.Extensions) == 0 {
		return ""
	}
	return r.Extensions[0]
}

// DefaultRuntimes returns the built-in runtime table. Order matters: the
// first entry is the fallback when detection finds no marker.
func DefaultRuntimes() []Runtime {
	return []Runtime{
		{
			Name:        "python",
			Command:     "python3",
			Extensions:  []string{".py"},
			ProbeArgs:   []string{"--version"},
			InstallArgs: []string{"-m", "pip", "install"},
		},
		{
			Name:           "node",
			Command:        "node",
			Extensions:     []string{".js", ".mjs", ".cjs"},
			ProbeArgs:      []string{"--version"},
			InstallCommand: "npm",
			InstallArgs:    []string{"install"},
		},
		{
			Name:       "bash",
			Command:    "bash",
			Extensions: []string{".sh", ".bash"},
			ProbeArgs:  []string{"--version"},
		},
		{
			Name:      "sh",
			Command:   "sh",
			ProbeArgs: []string{"-c", "exit 0"},
		},
	}
}

type RuntimeManager struct {
	mu       sync.RWMutex
	ordered  []string
	byName   map[string]Runtime
	lookPath func(string) (string, error)
}

func NewRuntimeManager(runtimes ...Runtime) *RuntimeManager {
	if len(runtimes) == 0 {
		runtimes = DefaultRuntimes()
	}
	r := &RuntimeManager{
		byName:   make(map[string]Runtime, len(runtimes)),
		lookPath: exec.LookPath,
	}
	for _, rt := range runtimes {
		name := strings.ToLower(strings.TrimSpace(rt.Name))
		if name == "" || strings.TrimSpace(rt.Command) == "" {
			continue
		}
		rt.Name = name
		if _, dup := r.byName[name]; !dup {
			r.ordered = append(r.ordered, name)
		}
		r.byName[name] = rt
	}
	return r
}

func (r *RuntimeManager) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.ordered...)
}

func (r *RuntimeManager) Get(name string) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return rt, ok
}

// SetCommand overrides the interpreter command of a known runtime, or
// registers a bare runtime when the name is new.
func (r *RuntimeManager) SetCommand(name, command string) {
	name = strings.ToLower(strings.TrimSpace(name))
	command = strings.TrimSpace(command)
	if name == "" || command == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.byName[name]
	if !ok {
		rt = Runtime{Name: name, ProbeArgs: []string{"--version"}}
		r.ordered = append(r.ordered, name)
	}
	rt.Command = command
	r.byName[name] = rt
}

// Resolve returns the runtime and the absolute path of its interpreter.
func (r *RuntimeManager) Resolve(name string) (Runtime, string, error) {
	rt, ok := r.Get(name)
	if !ok {
		return Runtime{}, "", fmt.Errorf("%w: %q is not configured", ErrRuntimeNotFound, name)
	}
	path, err := r.lookPath(rt.Command)
	if err != nil {
		return rt, "", fmt.Errorf("%w: %s (%s): %v", ErrRuntimeNotFound, rt.Name, rt.Command, err)
	}
	return rt, path, nil
}

var (
	pythonMarkers = regexp.MustCompile(`(?m)^\s*(import\s+[\w.]+|from\s+[\w.]+\s+import\s|def\s+\w+\s*\(|print\()`)
	nodeMarkers   = regexp.MustCompile(`(?m)\brequire\(|module\.exports|console\.log\(|^\s*(const|let)\s+\w+\s*=`)
	shellMarkers  = regexp.MustCompile(`(?m)^\s*(echo|export|cd|ls|mkdir|set\s+-\w)\b|&&|\|\||\$\(|\$\{|;\s*$`)
)

// Detect guesses the runtime for a code snippet. A shebang wins; otherwise
// lexical markers are tried in python, node, shell order. The first
// configured runtime is returned when nothing matches. This is best-effort:
// text carrying markers of several languages may be misclassified.
func (r *RuntimeManager) Detect(code string) string {
	if name := r.fromShebang(firstLine(code)); name != "" {
		return name
	}
	switch {
	case pythonMarkers.MatchString(code) && r.has("python"):
		return "python"
	case nodeMarkers.MatchString(code) && r.has("node"):
		return "node"
	case shellMarkers.MatchString(code):
		for _, name := range []string{"bash", "sh"} {
			if r.has(name) {
				return name
			}
		}
	}
	return r.first()
}

// ScriptRuntime picks the runtime for a script file: shebang first, then
// extension, then content detection.
func (r *RuntimeManager) ScriptRuntime(path string) string {
	if line, err := readFirstLine(path); err == nil {
		if name := r.fromShebang(line); name != "" {
			return name
		}
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != "" {
		r.mu.RLock()
		for _, name := range r.ordered {
			for _, e := range r.byName[name].Extensions {
				if e == ext {
					r.mu.RUnlock()
					return name
				}
			}
		}
		r.mu.RUnlock()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return r.first()
	}
	return r.Detect(string(data))
}

func (r *RuntimeManager) fromShebang(line string) string {
	if !strings.HasPrefix(line, "#!") {
		return ""
	}
	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 {
		return ""
	}
	interp := filepath.Base(fields[0])
	if interp == "env" {
		rest := fields[1:]
		for len(rest) > 0 && strings.HasPrefix(rest[0], "-") {
			rest = rest[1:]
		}
		if len(rest) == 0 {
			return ""
		}
		interp = filepath.Base(rest[0])
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.ordered {
		rt := r.byName[name]
		if interp == filepath.Base(rt.Command) || interp == name {
			return name
		}
	}
	for _, name := range r.ordered {
		if strings.HasPrefix(interp, name) {
			return name
		}
	}
	return ""
}

func (r *RuntimeManager) has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *RuntimeManager) first() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ordered) == 0 {
		return ""
	}
	return r.ordered[0]
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return strings.TrimSpace(line)
}

func readFirstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if sc.Scan() {
		return strings.TrimSpace(sc.Text()), nil
	}
	return "", sc.Err()
}
