package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/logging"
	"github.com/yubzen/agentstream/internal/middleware"
)

const terminalDeliveryTimeout = 2 * time.Second

var (
	ErrPatchFailed     = errors.New("state patch failed")
	ErrInvalidSnapshot = errors.New("state snapshot is not an object")
	ErrTypeChanged     = errors.New("middleware changed event type")
	ErrEngineStarted   = errors.New("middleware cannot be added after the first event")
)

// Engine owns the shared protocol state and threads every event and input
// through its middleware chain. It transforms and returns; it never
// dispatches.
type Engine struct {
	logger *slog.Logger

	mu       sync.Mutex
	chain    []middleware.Middleware
	state    map[string]any
	messages []events.Message
	started  bool
}

type Option func(*Engine)

func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(e *Engine) {
		for _, m := range mw {
			if m != nil {
				e.chain = append(e.chain, m)
			}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrDiscard(logger) }
}

func WithInitialState(state map[string]any) Option {
	return func(e *Engine) {
		if state != nil {
			e.state = deepCopy(state)
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:   logging.Discard(),
		state:    map[string]any{},
		messages: []events.Message{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Use appends middlewares. The chain is fixed once the first event or
// input has been processed.
func (e *Engine) Use(mw ...middleware.Middleware) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrEngineStarted
	}
	WithMiddleware(mw...)(e)
	return nil
}

func (e *Engine) Middlewares() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return middleware.Names(e.chain)
}

// EmitEvent reconciles shared state from ev, then runs it through every
// middleware in registration order and returns the result. A STATE_DELTA
// is applied all-or-nothing: any invalid operation leaves state untouched
// and fails with ErrPatchFailed.
func (e *Engine) EmitEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ev == nil {
		return nil, &events.ValidationError{Field: "type", Reason: "is required"}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true

	if err := e.reconcile(ev); err != nil {
		return nil, err
	}

	out := ev
	for _, m := range e.chain {
		next, err := m.ProcessEvent(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("middleware %s: %w", m.Name(), err)
		}
		if next == nil || next.Type() != out.Type() {
			return nil, fmt.Errorf("middleware %s: %w", m.Name(), ErrTypeChanged)
		}
		out = next
	}
	return out, nil
}

func (e *Engine) reconcile(ev events.Event) error {
	switch v := ev.(type) {
	case events.StateSnapshot:
		next, err := toObject(v.Snapshot)
		if err != nil {
			return err
		}
		e.state = next
	case events.StateDelta:
		next, err := applyPatch(e.state, v.Delta)
		if err != nil {
			return err
		}
		e.state = next
	case events.MessagesSnapshot:
		e.messages = append([]events.Message(nil), v.Messages...)
	}
	return nil
}

// ProcessInput threads in through every middleware's ProcessInput.
func (e *Engine) ProcessInput(ctx context.Context, in map[string]any) (map[string]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true

	out := in
	for _, m := range e.chain {
		next, err := m.ProcessInput(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("middleware %s: %w", m.Name(), err)
		}
		out = next
	}
	return out, nil
}

func (e *Engine) State() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return deepCopy(e.state)
}

func (e *Engine) Messages() []events.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.Message(nil), e.messages...)
}

// Pipe runs each event from in through the engine and forwards it, in
// order, on the returned channel. An event the engine rejects is logged and
// forwarded unprocessed so the stream is never truncated. Pipe reads in
// until it closes; once ctx is done only the terminal event is still
// forwarded, and the rest are dropped.
func (e *Engine) Pipe(ctx context.Context, in <-chan events.Event) <-chan events.Event {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make(chan events.Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			if ctx.Err() != nil && !events.IsTerminal(ev) {
				e.logger.Debug("event dropped after cancel", "event_type", ev.Type())
				continue
			}
			processed, err := e.EmitEvent(context.WithoutCancel(ctx), ev)
			if err != nil {
				e.logger.Warn("event not processed", "event_type", ev.Type(), "err", err)
				processed = ev
			}
			select {
			case out <- processed:
				continue
			case <-ctx.Done():
			}
			if !events.IsTerminal(processed) {
				continue
			}
			e.deliverTerminal(out, processed)
		}
	}()
	return out
}

// deliverTerminal hands the last event of a cancelled stream to a reader
// that may already have gone away.
func (e *Engine) deliverTerminal(out chan<- events.Event, ev events.Event) {
	timer := time.NewTimer(terminalDeliveryTimeout)
	defer timer.Stop()
	select {
	case out <- ev:
	case <-timer.C:
		e.logger.Warn("terminal event not delivered", "event_type", ev.Type())
	}
}

func applyPatch(state map[string]any, ops []events.PatchOperation) (map[string]any, error) {
	if len(ops) == 0 {
		return state, nil
	}
	doc, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: encode state: %v", ErrPatchFailed, err)
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("%w: encode patch: %v", ErrPatchFailed, err)
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}
	next := map[string]any{}
	if err := json.Unmarshal(patched, &next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}
	return next, nil
}

func toObject(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return nil, ErrInvalidSnapshot
	}
	return out, nil
}

func deepCopy(m map[string]any) map[string]any {
	out, err := toObject(m)
	if err != nil {
		return map[string]any{}
	}
	return out
}
