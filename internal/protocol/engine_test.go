package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/middleware"
)

func recorder(label string, calls *[]string) middleware.Func {
	return middleware.Func{
		Label: label,
		OnEvent: func(_ context.Context, e events.Event) (events.Event, error) {
			*calls = append(*calls, label)
			trail, _ := e.Metadata()["trail"].([]string)
			return events.WithMeta(e, "trail", append(append([]string{}, trail...), label)), nil
		},
		OnInput: func(_ context.Context, in map[string]any) (map[string]any, error) {
			out := map[string]any{}
			for k, v := range in {
				out[k] = v
			}
			out[label] = true
			return out, nil
		},
	}
}

func TestEmitEventRunsEveryMiddlewareOnceInOrder(t *testing.T) {
	t.Parallel()

	var calls []string
	engine := NewEngine(WithMiddleware(recorder("a", &calls), recorder("b", &calls), recorder("c", &calls)))

	out, err := engine.EmitEvent(context.Background(), events.NewStepStartedEvent("s"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, calls)
	assert.Equal(t, []string{"a", "b", "c"}, out.Metadata()["trail"])
	assert.Equal(t, []string{"a", "b", "c"}, engine.Middlewares())
}

func TestEmitEventRejectsTypeChange(t *testing.T) {
	t.Parallel()

	engine := NewEngine(WithMiddleware(middleware.Func{
		Label: "swap",
		OnEvent: func(context.Context, events.Event) (events.Event, error) {
			return events.NewStepFinishedEvent("other"), nil
		},
	}))
	_, err := engine.EmitEvent(context.Background(), events.NewStepStartedEvent("s"))
	assert.ErrorIs(t, err, ErrTypeChanged)
}

func TestStateSnapshotAndDelta(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := NewEngine()

	_, err := engine.EmitEvent(ctx, events.NewStateSnapshotEvent(map[string]any{
		"count": 1,
		"items": []any{"a"},
	}))
	require.NoError(t, err)

	_, err = engine.EmitEvent(ctx, events.NewStateDeltaEvent([]events.PatchOperation{
		{Op: "replace", Path: "/count", Value: 2},
		{Op: "add", Path: "/items/-", Value: "b"},
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(2), "items": []any{"a", "b"}}, engine.State())
}

func TestStateDeltaIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var calls []string
	engine := NewEngine(
		WithInitialState(map[string]any{"count": 1}),
		WithMiddleware(recorder("a", &calls)),
	)
	before := engine.State()

	_, err := engine.EmitEvent(ctx, events.NewStateDeltaEvent([]events.PatchOperation{
		{Op: "replace", Path: "/count", Value: 5},
		{Op: "remove", Path: "/missing"},
	}))
	require.ErrorIs(t, err, ErrPatchFailed)
	assert.Equal(t, before, engine.State())
	assert.Empty(t, calls)
}

func TestStateDeltaAcceptsNullValue(t *testing.T) {
	t.Parallel()

	engine := NewEngine(WithInitialState(map[string]any{"a": 1}))
	decoded, err := events.Decode([]byte(`{"type":"STATE_DELTA","delta":[{"op":"replace","path":"/a","value":null},{"op":"add","path":"/b","value":null}]}`))
	require.NoError(t, err)

	_, err = engine.EmitEvent(context.Background(), decoded)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": nil, "b": nil}, engine.State())
}

func TestMessagesSnapshotReplaces(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := NewEngine()
	_, err := engine.EmitEvent(ctx, events.NewMessagesSnapshotEvent([]events.Message{{ID: "1", Role: "user", Content: "hi"}}))
	require.NoError(t, err)
	_, err = engine.EmitEvent(ctx, events.NewMessagesSnapshotEvent([]events.Message{{ID: "2", Role: "assistant", Content: "yo"}}))
	require.NoError(t, err)

	msgs := engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "2", msgs[0].ID)
}

func TestSnapshotMustBeObject(t *testing.T) {
	t.Parallel()

	_, err := NewEngine().EmitEvent(context.Background(), events.NewStateSnapshotEvent([]any{1}))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestStateReturnsCopy(t *testing.T) {
	t.Parallel()

	engine := NewEngine(WithInitialState(map[string]any{"nested": map[string]any{"k": "v"}}))
	view := engine.State()
	view["nested"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", engine.State()["nested"].(map[string]any)["k"])
}

func TestProcessInputThreadsChain(t *testing.T) {
	t.Parallel()

	var calls []string
	engine := NewEngine(WithMiddleware(recorder("a", &calls), recorder("b", &calls)))
	out, err := engine.ProcessInput(context.Background(), map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1, "a": true, "b": true}, out)

	assert.ErrorIs(t, engine.Use(middleware.NewRedaction()), ErrEngineStarted)
}

func TestEmitEventWithDefaultChain(t *testing.T) {
	t.Parallel()

	engine := NewEngine(WithMiddleware(middleware.Default(nil)...))
	_, err := engine.EmitEvent(context.Background(), events.TextMessageContent{MessageID: "m"})
	assert.ErrorIs(t, err, events.ErrValidation)

	out, err := engine.EmitEvent(context.Background(), events.NewCustomEvent("ui.panel", map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, out.Metadata(), "ui")
}

func TestPipePreservesOrder(t *testing.T) {
	t.Parallel()

	engine := NewEngine(WithMiddleware(middleware.Default(nil)...))
	in := make(chan events.Event, 4)
	in <- events.NewRunStartedEvent("t", "r")
	in <- events.NewStateDeltaEvent([]events.PatchOperation{{Op: "remove", Path: "/nope"}})
	in <- events.NewTextMessageStartEvent("m")
	in <- events.NewRunFinishedEvent("t", "r")
	close(in)

	var got []events.EventType
	for e := range engine.Pipe(context.Background(), in) {
		got = append(got, e.Type())
	}
	assert.Equal(t, []events.EventType{
		events.EventTypeRunStarted,
		events.EventTypeStateDelta,
		events.EventTypeTextMessageStart,
		events.EventTypeRunFinished,
	}, got)
}

func TestPipeForwardsTerminalEventAfterCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan events.Event)
	go func() {
		defer close(in)
		for {
			select {
			case in <- events.NewStepStartedEvent("step"):
			case <-ctx.Done():
				in <- events.NewRunErrorEvent("run cancelled", events.WithErrorCode("cancelled"))
				return
			}
		}
	}()

	var got []events.Event
	for e := range NewEngine().Pipe(ctx, in) {
		got = append(got, e)
		if len(got) == 4 {
			cancel()
		}
	}
	require.GreaterOrEqual(t, len(got), 5)
	last, ok := got[len(got)-1].(events.RunError)
	require.True(t, ok, "last event is %s", got[len(got)-1].Type())
	assert.Equal(t, "cancelled", last.Code)
}
