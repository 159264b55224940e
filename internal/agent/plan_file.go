package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNoMatchingPlan = errors.New("no plan matches the request")

type planFile struct {
	Plans    []planEntry `yaml:"plans"`
	Recovery struct {
		Steps []PlanStep `yaml:"steps"`
	} `yaml:"recovery"`
}

type planEntry struct {
	Name  string     `yaml:"name"`
	Match string     `yaml:"match"`
	Steps []PlanStep `yaml:"steps"`

	pattern *regexp.Regexp
}

// FilePlanner serves plans declared in a YAML file. String parameters may
// reference {{request}}, and recovery steps may also reference {{error}}
// and {{step}}.
type FilePlanner struct {
	path     string
	plans    []planEntry
	recovery []PlanStep
	fallback Planner
}

func LoadPlanFile(path string, fallback Planner) (*FilePlanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	p, err := ParsePlans(data, fallback)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.path = path
	return p, nil
}

func ParsePlans(data []byte, fallback Planner) (*FilePlanner, error) {
	var doc planFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode plan file: %w", err)
	}
	for i := range doc.Plans {
		entry := &doc.Plans[i]
		if strings.TrimSpace(entry.Name) == "" {
			entry.Name = fmt.Sprintf("plan-%d", i+1)
		}
		if len(entry.Steps) == 0 {
			return nil, fmt.Errorf("plan %q has no steps", entry.Name)
		}
		match := strings.TrimSpace(entry.Match)
		if match == "" {
			match = ".*"
		}
		re, err := regexp.Compile(match)
		if err != nil {
			return nil, fmt.Errorf("plan %q: invalid match: %w", entry.Name, err)
		}
		entry.pattern = re
	}
	return &FilePlanner{
		plans:    doc.Plans,
		recovery: doc.Recovery.Steps,
		fallback: fallback,
	}, nil
}

func (p *FilePlanner) Path() string { return p.path }

func (p *FilePlanner) PlanNames() []string {
	names := make([]string, 0, len(p.plans))
	for _, entry := range p.plans {
		names = append(names, entry.Name)
	}
	return names
}

func (p *FilePlanner) CreatePlan(ctx context.Context, input RunAgentInput, analysis Analysis) ([]PlanStep, error) {
	if err := checkContextCancelled(ctx); err != nil {
		return nil, err
	}
	request := strings.TrimSpace(analysis.Request)
	if request == "" {
		if msg, ok := input.LatestUserMessage(); ok {
			request = strings.TrimSpace(msg.Content)
		}
	}
	for _, entry := range p.plans {
		if entry.pattern.MatchString(request) {
			vars := map[string]string{"request": request}
			return normalizeSteps(expandSteps(entry.Steps, vars), ""), nil
		}
	}
	if p.fallback != nil {
		return p.fallback.CreatePlan(ctx, input, analysis)
	}
	return nil, ErrNoMatchingPlan
}

func (p *FilePlanner) CreateRecoveryPlan(ctx context.Context, cause error, failed PlanStep) ([]PlanStep, error) {
	if err := checkContextCancelled(ctx); err != nil {
		return nil, err
	}
	if len(p.recovery) == 0 {
		if p.fallback != nil {
			return p.fallback.CreateRecoveryPlan(ctx, cause, failed)
		}
		return nil, nil
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	vars := map[string]string{"error": reason, "step": failed.Label()}
	return normalizeSteps(expandSteps(p.recovery, vars), ""), nil
}

func expandSteps(steps []PlanStep, vars map[string]string) []PlanStep {
	out := make([]PlanStep, 0, len(steps))
	for _, s := range steps {
		s = s.clone()
		s.Description = expandString(s.Description, vars)
		if s.Params != nil {
			s.Params = expandValue(s.Params, vars).(map[string]any)
		}
		out = append(out, s)
	}
	return out
}

func expandValue(v any, vars map[string]string) any {
	switch val := v.(type) {
	case string:
		return expandString(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item, vars)
		}
		return out
	default:
		return v
	}
}

func expandString(s string, vars map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}
