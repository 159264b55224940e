package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yubzen/agentstream/internal/logging"
)

// Executor runs a single plan step. Failures are reported in the result,
// never as a Go error.
type Executor interface {
	ExecuteStep(ctx context.Context, step PlanStep) ExecutionResult
}

type ToolExecutor struct {
	tools  ToolSet
	logger *slog.Logger
}

func NewToolExecutor(tools ToolSet, logger *slog.Logger) *ToolExecutor {
	return &ToolExecutor{tools: tools, logger: logging.OrDiscard(logger)}
}

func (e *ToolExecutor) Tools() ToolSet { return e.tools }

func (e *ToolExecutor) ExecuteStep(ctx context.Context, step PlanStep) (result ExecutionResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "step", step.Label(), "panic", r)
			result = ExecutionResult{
				Success:  false,
				Error:    fmt.Sprintf("tool %s panicked: %v", step.Label(), r),
				Duration: time.Since(start).Seconds(),
			}
		}
	}()

	tool, err := e.tools.Lookup(step.ToolName, step.Action)
	if err != nil {
		return ExecutionResult{Error: err.Error(), Duration: time.Since(start).Seconds()}
	}
	if err := checkContextCancelled(ctx); err != nil {
		return ExecutionResult{Error: err.Error(), Duration: time.Since(start).Seconds()}
	}

	params := step.Params
	if params == nil {
		params = map[string]any{}
	}
	e.logger.Debug("executing step", "step_id", step.ID, "tool", tool.Name)
	out, err := tool.Execute(ctx, params)
	if err != nil {
		err = normalizeCancellationErr(err)
		e.logger.Debug("step failed", "step_id", step.ID, "tool", tool.Name, "err", err)
		return ExecutionResult{Error: err.Error(), Output: out.Output, Duration: time.Since(start).Seconds()}
	}
	if p := out.Process; p != nil {
		usage := p.Usage
		return ExecutionResult{
			Success:       p.Success(),
			Output:        p.Output,
			Error:         p.Error,
			Runtime:       p.Runtime,
			Duration:      p.Duration.Seconds(),
			ResourceUsage: &usage,
		}
	}
	return ExecutionResult{
		Success:  true,
		Output:   out.Output,
		Duration: time.Since(start).Seconds(),
	}
}
