package agent

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/execution"
)

// PlanStep is one planned unit of work. Steps are values: a retry gets a
// new step, never an edited one.
type PlanStep struct {
	ID                string         `json:"id" yaml:"id"`
	Action            string         `json:"action" yaml:"action"`
	ToolName          string         `json:"tool_name,omitempty" yaml:"tool"`
	Params            map[string]any `json:"params,omitempty" yaml:"params"`
	Description       string         `json:"description,omitempty" yaml:"description"`
	EstimatedDuration float64        `json:"estimated_duration,omitempty" yaml:"estimated_duration"`
	RequiredTools     []string       `json:"required_tools,omitempty" yaml:"required_tools"`
	FallbackActions   []PlanStep     `json:"fallback_actions,omitempty" yaml:"fallback_actions"`
	RecoveryOf        string         `json:"recovery_of,omitempty" yaml:"-"`
}

func NewPlanStep(action, tool string, params map[string]any, description string) PlanStep {
	return PlanStep{
		ID:          uuid.NewString(),
		Action:      action,
		ToolName:    tool,
		Params:      params,
		Description: description,
	}
}

// Label is the name a step is reported under.
func (s PlanStep) Label() string {
	if name := strings.TrimSpace(s.ToolName); name != "" {
		return name
	}
	if action := strings.TrimSpace(s.Action); action != "" {
		return action
	}
	return "step"
}

// lineage groups a step with the recovery steps planned on its behalf.
func (s PlanStep) lineage() string {
	if s.RecoveryOf != "" {
		return s.RecoveryOf
	}
	return s.ID
}

func (s PlanStep) clone() PlanStep {
	s.Params = maps.Clone(s.Params)
	s.RequiredTools = slices.Clone(s.RequiredTools)
	s.FallbackActions = slices.Clone(s.FallbackActions)
	return s
}

// normalizeSteps returns copies of steps with ids assigned and required
// tools de-duplicated.
func normalizeSteps(steps []PlanStep, recoveryOf string) []PlanStep {
	out := make([]PlanStep, 0, len(steps))
	for _, s := range steps {
		s = s.clone()
		if strings.TrimSpace(s.ID) == "" {
			s.ID = uuid.NewString()
		}
		if recoveryOf != "" {
			s.RecoveryOf = recoveryOf
		}
		var tools []string
		for _, t := range s.RequiredTools {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" && !slices.Contains(tools, t) {
				tools = append(tools, t)
			}
		}
		s.RequiredTools = tools
		out = append(out, s)
	}
	return out
}

type ExecutionResult struct {
	Success       bool                     `json:"success"`
	Output        string                   `json:"output"`
	Error         string                   `json:"error,omitempty"`
	Runtime       string                   `json:"runtime,omitempty"`
	Duration      float64                  `json:"duration"`
	ResourceUsage *execution.ResourceUsage `json:"resource_usage,omitempty"`
}

// Summary is the narrative text reported for a finished step. It is never
// empty.
func (r ExecutionResult) Summary(step PlanStep) string {
	if !r.Success {
		msg := strings.TrimSpace(r.Error)
		if msg == "" {
			msg = "step failed"
		}
		return "Error executing step: " + msg
	}
	if out := strings.TrimSpace(r.Output); out != "" {
		return out
	}
	return "Step " + step.Label() + " completed"
}

type HistoryEntry struct {
	Step      PlanStep        `json:"step"`
	Result    ExecutionResult `json:"result"`
	Timestamp int64           `json:"timestamp"`
	Success   bool            `json:"success"`
}

type ReflexiveState struct {
	SuccessRate float64 `json:"success_rate"`
	ErrorCount  int     `json:"error_count"`
	TotalTasks  int     `json:"total_tasks"`
	LastError   string  `json:"last_error,omitempty"`
}

// AgentState is owned by one run of the loop.
type AgentState struct {
	TaskStack        []PlanStep     `json:"task_stack"`
	ExecutionHistory []HistoryEntry `json:"execution_history"`
	CurrentContext   map[string]any `json:"current_context"`
	ReflexiveState   ReflexiveState `json:"reflexive_state"`
}

func newAgentState() AgentState {
	return AgentState{
		TaskStack:        []PlanStep{},
		ExecutionHistory: []HistoryEntry{},
		CurrentContext:   map[string]any{},
		ReflexiveState:   ReflexiveState{SuccessRate: 1.0},
	}
}

func (s *AgentState) observe(step PlanStep, result ExecutionResult, ts int64) {
	s.ExecutionHistory = append(s.ExecutionHistory, HistoryEntry{
		Step:      step,
		Result:    result,
		Timestamp: ts,
		Success:   result.Success,
	})
	rs := &s.ReflexiveState
	rs.TotalTasks++
	if !result.Success {
		rs.ErrorCount++
		rs.LastError = result.Error
	}
	rs.SuccessRate = float64(rs.TotalTasks-rs.ErrorCount) / float64(rs.TotalTasks)
}

func (s AgentState) clone() AgentState {
	return AgentState{
		TaskStack:        slices.Clone(s.TaskStack),
		ExecutionHistory: slices.Clone(s.ExecutionHistory),
		CurrentContext:   maps.Clone(s.CurrentContext),
		ReflexiveState:   s.ReflexiveState,
	}
}

// Map renders the state as a plain JSON object.
func (s AgentState) Map() map[string]any {
	return toMap(s)
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ContextItem struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

// RunAgentInput starts one run.
type RunAgentInput struct {
	ThreadID       string           `json:"thread_id"`
	RunID          string           `json:"run_id"`
	State          any              `json:"state,omitempty"`
	Messages       []events.Message `json:"messages"`
	Tools          []ToolSpec       `json:"tools,omitempty"`
	Context        []ContextItem    `json:"context,omitempty"`
	ForwardedProps any              `json:"forwarded_props,omitempty"`
}

// LatestUserMessage returns the most recent message with role "user".
func (in RunAgentInput) LatestUserMessage() (events.Message, bool) {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(in.Messages[i].Role, "user") {
			return in.Messages[i], true
		}
	}
	return events.Message{}, false
}

type Analysis struct {
	Request      string         `json:"request"`
	TaskType     string         `json:"task_type"`
	Requirements []string       `json:"requirements"`
	Constraints  []string       `json:"constraints"`
	Dependencies []string       `json:"dependencies"`
	ContextNeeds []string       `json:"context_needs"`
	Context      map[string]any `json:"context,omitempty"`
}

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStarted   Phase = "started"
	PhaseAnalyzing Phase = "analyzing"
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseObserving Phase = "observing"
	PhaseFinishing Phase = "finishing"
	PhaseFinished  Phase = "finished"
	PhaseErrored   Phase = "errored"
)

func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseErrored
}
