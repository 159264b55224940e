package agent

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/yubzen/agentstream/internal/execution"
)

const (
	contextFileSystem = "file system status"
	contextPackages   = "package information"
	contextProcesses  = "process status"
)

const (
	maxBriefFiles    = 250
	maxBriefPreview  = 40
	maxBriefKeyFiles = 20
)

func newGatherContextTool(env ToolEnv) Tool {
	return Tool{
		Name:        "gather_context",
		Description: "Describe the workspace, available runtimes or running processes.",
		Execute: func(ctx context.Context, params map[string]any) (ToolResult, error) {
			if err := checkContextCancelled(ctx); err != nil {
				return ToolResult{}, err
			}
			kind, err := requiredStringParam(params, "type")
			if err != nil {
				return ToolResult{}, err
			}
			var out string
			switch strings.ToLower(kind) {
			case contextFileSystem:
				out, err = workspaceBrief(effectiveWorkingDir(env.WorkingDir))
			case contextPackages:
				out = runtimeReport(env.Manager.Runtimes())
			case contextProcesses:
				out, err = processReport(ctx, env.Manager)
			default:
				return ToolResult{}, fmt.Errorf("unknown context type %q", kind)
			}
			if err != nil {
				return ToolResult{}, err
			}
			return ToolResult{Output: out, Data: map[string]any{"type": kind}}, nil
		},
	}
}

// workspaceBrief summarises the files under dir: languages, notable
// project files and a bounded tree preview.
func workspaceBrief(dir string) (string, error) {
	var files, keyFiles []string
	langCounts := make(map[string]int)
	total := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "node_modules", "vendor", "dist", "build", "__pycache__", ".venv":
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		total++
		if len(files) < maxBriefFiles {
			files = append(files, rel)
		}
		if lang := languageOf(rel); lang != "" {
			langCounts[lang]++
		}
		if isProjectManifest(rel) && len(keyFiles) < maxBriefKeyFiles {
			keyFiles = append(keyFiles, rel)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Strings(files)
	sort.Strings(keyFiles)
	langs := make([]string, 0, len(langCounts))
	for lang, n := range langCounts {
		langs = append(langs, fmt.Sprintf("%s(%d)", lang, n))
	}
	sort.Strings(langs)

	var b strings.Builder
	fmt.Fprintf(&b, "Working directory: %s (%d files)\n", filepath.Clean(dir), total)
	if len(langs) == 0 {
		b.WriteString("Languages: unknown\n")
	} else {
		b.WriteString("Languages: " + strings.Join(langs, ", ") + "\n")
	}
	if len(keyFiles) > 0 {
		b.WriteString("Project files: " + strings.Join(keyFiles, ", ") + "\n")
	}
	preview := files
	if len(preview) > maxBriefPreview {
		preview = preview[:maxBriefPreview]
	}
	for _, f := range preview {
		b.WriteString("- " + f + "\n")
	}
	if total > len(preview) {
		fmt.Fprintf(&b, "- ... (%d more)\n", total-len(preview))
	}
	return strings.TrimSpace(b.String()), nil
}

func languageOf(rel string) string {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".go":
		return "Go"
	case ".py":
		return "Python"
	case ".js", ".mjs", ".cjs", ".jsx":
		return "JavaScript"
	case ".ts", ".tsx":
		return "TypeScript"
	case ".sh", ".bash":
		return "Shell"
	case ".json", ".yaml", ".yml", ".toml":
		return "Config"
	}
	return ""
}

func isProjectManifest(rel string) bool {
	switch strings.ToLower(filepath.Base(rel)) {
	case "go.mod", "package.json", "requirements.txt", "pyproject.toml", "setup.py", "makefile", "dockerfile":
		return true
	}
	return false
}

func runtimeReport(runtimes *execution.RuntimeManager) string {
	lines := make([]string, 0, len(runtimes.Names()))
	for _, name := range runtimes.Names() {
		rt, path, err := runtimes.Resolve(name)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%s: %s not found", name, rt.Command))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, path))
	}
	return strings.Join(lines, "\n")
}

func processReport(ctx context.Context, m *execution.Manager) (string, error) {
	var b strings.Builder
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		fmt.Fprintf(&b, "Memory: %.1f%% used of %d MiB\n", vm.UsedPercent, vm.Total>>20)
	}

	tracked := m.Tracked()
	if len(tracked) == 0 {
		b.WriteString("No tracked processes")
		return b.String(), nil
	}
	fmt.Fprintf(&b, "Tracked processes: %d\n", len(tracked))
	for _, pid := range tracked {
		proc, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			fmt.Fprintf(&b, "- %d: exited\n", pid)
			continue
		}
		name, _ := proc.NameWithContext(ctx)
		status, _ := proc.StatusWithContext(ctx)
		fmt.Fprintf(&b, "- %d: %s %s\n", pid, name, strings.Join(status, ","))
	}
	return strings.TrimSpace(b.String()), nil
}
