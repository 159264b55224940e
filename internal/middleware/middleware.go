package middleware

import (
	"context"
	"log/slog"

	"github.com/yubzen/agentstream/internal/events"
)

// Middleware transforms events and inputs on their way through the
// protocol engine. Implementations may keep state but must return an event
// of the same type they were given.
type Middleware interface {
	Name() string
	ProcessEvent(ctx context.Context, e events.Event) (events.Event, error)
	ProcessInput(ctx context.Context, in map[string]any) (map[string]any, error)
}

// Passthrough is embedded by middlewares that only care about one side.
type Passthrough struct{}

func (Passthrough) ProcessEvent(_ context.Context, e events.Event) (events.Event, error) {
	return e, nil
}

func (Passthrough) ProcessInput(_ context.Context, in map[string]any) (map[string]any, error) {
	return in, nil
}

// Func adapts plain functions. A nil hook passes its value through.
type Func struct {
	Label   string
	OnEvent func(context.Context, events.Event) (events.Event, error)
	OnInput func(context.Context, map[string]any) (map[string]any, error)
}

func (f Func) Name() string {
	if f.Label == "" {
		return "func"
	}
	return f.Label
}

func (f Func) ProcessEvent(ctx context.Context, e events.Event) (events.Event, error) {
	if f.OnEvent == nil {
		return e, nil
	}
	return f.OnEvent(ctx, e)
}

func (f Func) ProcessInput(ctx context.Context, in map[string]any) (map[string]any, error) {
	if f.OnInput == nil {
		return in, nil
	}
	return f.OnInput(ctx, in)
}

// Default returns the standard chain: validation, state merge, context
// enrichment, logging, UI tagging, streaming accounting.
func Default(logger *slog.Logger) []Middleware {
	return []Middleware{
		NewValidation(),
		NewStateMerge(),
		NewContextEnrichment(),
		NewLogging(logger),
		NewUIMetadata(""),
		NewStreaming(),
	}
}

func Names(chain []Middleware) []string {
	out := make([]string, 0, len(chain))
	for _, m := range chain {
		out = append(out, m.Name())
	}
	return out
}
