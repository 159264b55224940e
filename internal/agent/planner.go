package agent

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
)

// Planner decides which steps a run executes.
type Planner interface {
	CreatePlan(ctx context.Context, input RunAgentInput, analysis Analysis) ([]PlanStep, error)
	CreateRecoveryPlan(ctx context.Context, cause error, failed PlanStep) ([]PlanStep, error)
}

// StaticPlanner returns fixed steps.
type StaticPlanner struct {
	Steps         []PlanStep
	RecoverySteps []PlanStep
}

func (p StaticPlanner) CreatePlan(ctx context.Context, _ RunAgentInput, _ Analysis) ([]PlanStep, error) {
	if err := checkContextCancelled(ctx); err != nil {
		return nil, err
	}
	return normalizeSteps(p.Steps, ""), nil
}

func (p StaticPlanner) CreateRecoveryPlan(ctx context.Context, _ error, _ PlanStep) ([]PlanStep, error) {
	if err := checkContextCancelled(ctx); err != nil {
		return nil, err
	}
	return normalizeSteps(p.RecoverySteps, ""), nil
}

// KeywordPlanner maps the request onto built-in tools using keyword
// patterns checked in order. The first matching pattern wins.
type KeywordPlanner struct{}

type planRule struct {
	pattern *regexp.Regexp
	build   func(request string, analysis Analysis) []PlanStep
}

var (
	fencedCodePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)\\s*\\n(.*?)```")
	inlineCodePattern = regexp.MustCompile("`([^`\\n]+)`")
	scriptPattern     = regexp.MustCompile(`(?i)[\w./-]+\.(?:sh|bash|py|js|mjs|cjs)\b`)
	filePathPattern   = regexp.MustCompile(`[\w./-]*[\w-]\.[A-Za-z0-9]{1,8}\b`)
)

var planRules = []planRule{
	{pattern: regexp.MustCompile(`(?i)install|setup|configure`), build: setupPlan},
	{pattern: regexp.MustCompile(`(?i)create|make|generate`), build: generationPlan},
	{pattern: regexp.MustCompile(`(?i)analyze|examine|check`), build: analysisPlan},
	{pattern: regexp.MustCompile(`(?i)run|execute|start`), build: executionPlan},
	{pattern: regexp.MustCompile(`(?i)fix|repair|debug`), build: debuggingPlan},
}

var languageRuntimes = map[string]string{
	"python":     "python",
	"py":         "python",
	"javascript": "node",
	"js":         "node",
	"node":       "node",
	"bash":       "bash",
	"sh":         "sh",
	"shell":      "sh",
}

func (KeywordPlanner) CreatePlan(ctx context.Context, input RunAgentInput, analysis Analysis) ([]PlanStep, error) {
	if err := checkContextCancelled(ctx); err != nil {
		return nil, err
	}
	request := strings.TrimSpace(analysis.Request)
	if request == "" {
		msg, ok := input.LatestUserMessage()
		if !ok {
			return nil, ErrNoUserMessage
		}
		request = strings.TrimSpace(msg.Content)
	}

	build := generalPlan
	for _, rule := range planRules {
		if rule.pattern.MatchString(request) {
			build = rule.build
			break
		}
	}
	plan := build(request, analysis)
	plan = withValidationSteps(plan)
	plan = withContextSteps(plan, analysis)
	plan = withSetupSteps(plan)
	return normalizeSteps(plan, ""), nil
}

func (KeywordPlanner) CreateRecoveryPlan(ctx context.Context, cause error, failed PlanStep) ([]PlanStep, error) {
	if err := checkContextCancelled(ctx); err != nil {
		return nil, err
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	diag := NewPlanStep("analyze_error", "respond", map[string]any{
		"message": fmt.Sprintf("Analyzing failure of %s: %s", failed.Label(), reason),
	}, "Analyzing error cause")
	diag.EstimatedDuration = 1.0

	plan := []PlanStep{diag}
	for _, fb := range failed.FallbackActions {
		step := fb.clone()
		step.ID = ""
		step.Description = "Retrying with fallback: " + strings.TrimSpace(fb.Description)
		step.EstimatedDuration = failed.EstimatedDuration * 1.5
		if len(step.RequiredTools) == 0 && step.ToolName != "" {
			step.RequiredTools = []string{step.ToolName}
		}
		plan = append(plan, step)
	}
	return normalizeSteps(plan, ""), nil
}

func setupPlan(request string, analysis Analysis) []PlanStep {
	check := NewPlanStep("check_environment", "shell", map[string]any{"command": "python3 -V && node -v"}, "Checking runtime versions")
	check.EstimatedDuration = 1.0
	plan := []PlanStep{check}

	if len(analysis.Dependencies) > 0 {
		runtime := "python"
		lower := strings.ToLower(request)
		if strings.Contains(lower, "npm") || strings.Contains(lower, "node") {
			runtime = "node"
		}
		install := NewPlanStep("install_dependencies", "install_dependencies", map[string]any{
			"runtime":  runtime,
			"packages": slices.Clone(analysis.Dependencies),
		}, "Installing "+runtime+" dependencies")
		install.EstimatedDuration = 5.0
		install.RequiredTools = []string{runtime}
		plan = append(plan, install)
	}
	return plan
}

func generationPlan(request string, _ Analysis) []PlanStep {
	lang, code, hasCode := fencedCode(request)
	target := filePathPattern.FindString(stripFencedCode(request))
	switch {
	case hasCode && target != "":
		step := NewPlanStep("create", "write_file", map[string]any{"path": target, "content": code}, "Writing "+target)
		step.EstimatedDuration = 1.0
		return []PlanStep{step}
	case hasCode:
		return []PlanStep{codeStep("generate", lang, code, "Generating requested content")}
	default:
		return []PlanStep{respondStep("generate", "No content to generate was found in the request.")}
	}
}

func analysisPlan(request string, _ Analysis) []PlanStep {
	if target := filePathPattern.FindString(stripFencedCode(request)); target != "" {
		step := NewPlanStep("analyze", "read_file", map[string]any{"path": target}, "Reading "+target)
		step.EstimatedDuration = 2.0
		return []PlanStep{step}
	}
	return []PlanStep{respondStep("analyze", "Analyzing request: "+request)}
}

func executionPlan(request string, _ Analysis) []PlanStep {
	if lang, code, ok := fencedCode(request); ok {
		return []PlanStep{codeStep("execute", lang, code, "Executing code")}
	}
	if script := scriptPattern.FindString(request); script != "" {
		step := NewPlanStep("execute_script", "execute_script", map[string]any{"script": script}, "Running "+path.Base(script))
		step.EstimatedDuration = 2.0
		return []PlanStep{step}
	}
	if m := inlineCodePattern.FindStringSubmatch(request); m != nil {
		step := NewPlanStep("execute", "shell", map[string]any{"command": strings.TrimSpace(m[1])}, "Executing command")
		step.EstimatedDuration = 2.0
		step.RequiredTools = []string{"sh"}
		return []PlanStep{step}
	}
	return []PlanStep{respondStep("execute", "No command or script was found in the request.")}
}

func debuggingPlan(request string, analysis Analysis) []PlanStep {
	if script := scriptPattern.FindString(request); script != "" {
		read := NewPlanStep("debug", "read_file", map[string]any{"path": script}, "Inspecting "+path.Base(script))
		read.EstimatedDuration = 1.0
		run := NewPlanStep("debug", "execute_script", map[string]any{"script": script}, "Reproducing with "+path.Base(script))
		run.EstimatedDuration = 5.0
		return []PlanStep{read, run}
	}
	return analysisPlan(request, analysis)
}

func generalPlan(request string, _ Analysis) []PlanStep {
	return []PlanStep{respondStep("process", request)}
}

func codeStep(action, lang, code, description string) PlanStep {
	params := map[string]any{"code": code}
	step := NewPlanStep(action, "run_code", params, description)
	step.EstimatedDuration = 3.0
	if runtime, ok := languageRuntimes[strings.ToLower(lang)]; ok {
		params["runtime"] = runtime
		step.RequiredTools = []string{runtime}
	}
	return step
}

func respondStep(action, message string) PlanStep {
	step := NewPlanStep(action, "respond", map[string]any{"message": message}, "Reporting")
	step.EstimatedDuration = 0.1
	return step
}

// withSetupSteps prepends one verify_tool step per distinct required tool.
func withSetupSteps(plan []PlanStep) []PlanStep {
	var tools []string
	for _, step := range plan {
		for _, t := range step.RequiredTools {
			if !slices.Contains(tools, t) {
				tools = append(tools, t)
			}
		}
	}
	setup := make([]PlanStep, 0, len(tools)+len(plan))
	for _, t := range tools {
		step := NewPlanStep("verify_tool", "verify_tool", map[string]any{"tool": t}, "Verifying "+t+" availability")
		step.EstimatedDuration = 1.0
		setup = append(setup, step)
	}
	return append(setup, plan...)
}

// withValidationSteps reads back every file a create step wrote.
func withValidationSteps(plan []PlanStep) []PlanStep {
	out := make([]PlanStep, 0, len(plan))
	for _, step := range plan {
		out = append(out, step)
		if step.Action != "create" || step.ToolName != "write_file" {
			continue
		}
		target, _ := step.Params["path"].(string)
		check := NewPlanStep("validate", "read_file", map[string]any{"path": target}, "Validating "+step.Action+" operation")
		check.EstimatedDuration = 1.0
		out = append(out, check)
	}
	return out
}

// withContextSteps appends one gather_context step per context need the
// analysis found.
func withContextSteps(plan []PlanStep, analysis Analysis) []PlanStep {
	for _, need := range analysis.ContextNeeds {
		step := NewPlanStep("gather_context", "gather_context", map[string]any{"type": need}, "Gather "+need)
		step.EstimatedDuration = 0.5
		plan = append(plan, step)
	}
	return plan
}

func fencedCode(request string) (lang, code string, ok bool) {
	m := fencedCodePattern.FindStringSubmatch(request)
	if m == nil || strings.TrimSpace(m[2]) == "" {
		return "", "", false
	}
	return m[1], m[2], true
}

func stripFencedCode(request string) string {
	return fencedCodePattern.ReplaceAllString(request, " ")
}
