package agent

import "context"

// Memory persists what a run learns. Calls are best-effort: the loop logs
// failures and carries on.
type Memory interface {
	GetPreferences(ctx context.Context) (map[string]any, error)
	UpdateState(ctx context.Context, runID string, state map[string]any) error
	StoreAnalysis(ctx context.Context, runID string, analysis map[string]any) error
}

// StepRecorder is implemented by memories that keep per-step results.
type StepRecorder interface {
	SaveStepResult(ctx context.Context, runID string, step map[string]any, result map[string]any) error
}

// RunRecorder is implemented by memories that track run lifecycles.
type RunRecorder interface {
	RecordRun(ctx context.Context, threadID, runID string) error
	FinishRun(ctx context.Context, runID, status string) error
}

type noopMemory struct{}

func (noopMemory) GetPreferences(context.Context) (map[string]any, error) { return nil, nil }

func (noopMemory) UpdateState(context.Context, string, map[string]any) error { return nil }

func (noopMemory) StoreAnalysis(context.Context, string, map[string]any) error { return nil }
