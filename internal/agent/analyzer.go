package agent

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
)

var ErrNoUserMessage = errors.New("no user message found in input")

// Analyzer derives task requirements from a run's input.
type Analyzer interface {
	Analyze(ctx context.Context, input RunAgentInput) (Analysis, error)
}

type AnalyzerFunc func(ctx context.Context, input RunAgentInput) (Analysis, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, input RunAgentInput) (Analysis, error) {
	return f(ctx, input)
}

// KeywordAnalyzer classifies the latest user message by keyword. It is a
// lexical heuristic and makes no attempt at understanding.
type KeywordAnalyzer struct{}

type taskRule struct {
	taskType     string
	keywords     []string
	requirements []string
}

var taskRules = []taskRule{
	{taskType: "creation", keywords: []string{"create", "new", "generate"}, requirements: []string{"file system access"}},
	{taskType: "system", keywords: []string{"install", "setup", "configure"}, requirements: []string{"system access", "package management"}},
	{taskType: "execution", keywords: []string{"run", "execute", "start"}, requirements: []string{"runtime environment", "process management"}},
}

var contextRules = []struct {
	need     string
	keywords []string
}{
	{need: contextFileSystem, keywords: []string{"file", "directory"}},
	{need: contextPackages, keywords: []string{"installed", "package", "dependency"}},
	{need: contextProcesses, keywords: []string{"status", "running"}},
}

var (
	installPattern    = regexp.MustCompile(`(?i)\binstall\s+([^.;:\n]+)`)
	constraintPattern = regexp.MustCompile(`(?i)\b(?:without|only|must not|do not|don't|never)\b[^.,;\n]*`)
	dependencyStop    = map[string]bool{"and": true, "the": true, "a": true, "an": true, "with": true, "using": true, "then": true, "packages": true, "package": true}
)

func (KeywordAnalyzer) Analyze(ctx context.Context, input RunAgentInput) (Analysis, error) {
	if err := checkContextCancelled(ctx); err != nil {
		return Analysis{}, err
	}
	msg, ok := input.LatestUserMessage()
	if !ok {
		return Analysis{}, ErrNoUserMessage
	}
	request := strings.TrimSpace(msg.Content)
	content := strings.ToLower(request)

	analysis := Analysis{
		Request:      request,
		TaskType:     "command",
		Requirements: []string{},
		Constraints:  []string{},
		Dependencies: []string{},
		ContextNeeds: []string{},
	}
	for _, rule := range taskRules {
		if containsAny(content, rule.keywords) {
			analysis.TaskType = rule.taskType
			analysis.Requirements = append(analysis.Requirements, rule.requirements...)
			break
		}
	}
	for _, rule := range contextRules {
		if containsAny(content, rule.keywords) {
			analysis.ContextNeeds = append(analysis.ContextNeeds, rule.need)
		}
	}
	for _, m := range constraintPattern.FindAllString(request, -1) {
		if c := strings.TrimSpace(m); c != "" {
			analysis.Constraints = append(analysis.Constraints, c)
		}
	}
	analysis.Dependencies = extractDependencies(request)
	return analysis, nil
}

func extractDependencies(request string) []string {
	var deps []string
	for _, m := range installPattern.FindAllStringSubmatch(request, -1) {
		for _, word := range strings.FieldsFunc(m[1], func(r rune) bool { return r == ' ' || r == ',' || r == '\t' }) {
			word = strings.Trim(word, "`'\"")
			if word == "" || dependencyStop[strings.ToLower(word)] || slices.Contains(deps, word) {
				continue
			}
			deps = append(deps, word)
		}
	}
	if deps == nil {
		return []string{}
	}
	return deps
}

func containsAny(content string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}
