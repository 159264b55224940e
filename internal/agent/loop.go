package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/logging"
)

const (
	DefaultEventBuffer         = 64
	DefaultMaxRecoveryAttempts = 3
	runErrorDeliveryTimeout    = 2 * time.Second
)

var ErrLoopUsed = errors.New("loop has already run")

// ReplanPolicy reports whether a failed step should get a recovery plan.
type ReplanPolicy func(cause error, step PlanStep) bool

func AlwaysReplan(error, PlanStep) bool { return true }

type LoopOption func(*Loop)

func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logging.OrDiscard(logger) }
}

func WithMemory(m Memory) LoopOption {
	return func(l *Loop) {
		if m != nil {
			l.memory = m
		}
	}
}

func WithAnalyzer(a Analyzer) LoopOption {
	return func(l *Loop) {
		if a != nil {
			l.analyzer = a
		}
	}
}

func WithEventBuffer(n int) LoopOption {
	return func(l *Loop) {
		if n >= 0 {
			l.buffer = n
		}
	}
}

// WithMaxRecoveryAttempts bounds how many recovery plans one step and its
// descendants may request. Zero disables recovery.
func WithMaxRecoveryAttempts(n int) LoopOption {
	return func(l *Loop) {
		if n >= 0 {
			l.maxRecovery = n
		}
	}
}

func WithReplanPolicy(p ReplanPolicy) LoopOption {
	return func(l *Loop) {
		if p != nil {
			l.replan = p
		}
	}
}

// Loop drives one run through analyze, plan, execute and observe, emitting
// protocol events as it goes. A Loop owns its AgentState and runs once.
type Loop struct {
	planner     Planner
	executor    Executor
	analyzer    Analyzer
	memory      Memory
	logger      *slog.Logger
	buffer      int
	maxRecovery int
	replan      ReplanPolicy
	timeout     time.Duration

	mu       sync.Mutex
	used     bool
	phase    Phase
	state    AgentState
	analysis *Analysis
}

func NewLoop(planner Planner, executor Executor, opts ...LoopOption) *Loop {
	l := &Loop{
		planner:     planner,
		executor:    executor,
		analyzer:    KeywordAnalyzer{},
		memory:      noopMemory{},
		logger:      logging.Discard(),
		buffer:      DefaultEventBuffer,
		maxRecovery: DefaultMaxRecoveryAttempts,
		replan:      AlwaysReplan,
		phase:       PhaseIdle,
		state:       newAgentState(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Loop) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Snapshot returns a copy of the run's current state.
func (l *Loop) Snapshot() AgentState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.clone()
}

func (l *Loop) Analysis() (Analysis, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.analysis == nil {
		return Analysis{}, false
	}
	return *l.analysis, true
}

// Run starts the run and returns its event stream. The channel is closed
// after exactly one terminal event, RUN_FINISHED or RUN_ERROR.
func (l *Loop) Run(ctx context.Context, input RunAgentInput) <-chan events.Event {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make(chan events.Event, l.buffer)

	l.mu.Lock()
	used := l.used
	l.used = true
	l.mu.Unlock()

	r := &run{
		loop:     l,
		ctx:      ctx,
		out:      out,
		input:    input,
		attempts: map[string]int{},
	}
	if used {
		go func() {
			defer close(out)
			r.deliverError(ErrLoopUsed)
		}()
		return out
	}
	runCtx, cancel := l.runContext(ctx)
	r.ctx = runCtx
	go func() {
		defer cancel()
		r.drive()
	}()
	return out
}

type run struct {
	loop     *Loop
	ctx      context.Context
	out      chan<- events.Event
	input    RunAgentInput
	threadID string
	runID    string
	attempts map[string]int
	// terminal is set once RUN_FINISHED or RUN_ERROR has been delivered.
	terminal bool
}

func (r *run) drive() {
	defer close(r.out)
	defer func() {
		if p := recover(); p != nil {
			r.loop.logger.Error("run panicked", "run_id", r.runID, "panic", p, "terminal_sent", r.terminal)
			if r.terminal {
				return
			}
			r.fail(fmt.Errorf("%w: %v", errRunPanicked, p))
		}
	}()
	if err := r.execute(); err != nil {
		r.fail(err)
	}
}

func (r *run) execute() error {
	l := r.loop
	r.threadID = strings.TrimSpace(r.input.ThreadID)
	if r.threadID == "" {
		r.threadID = uuid.NewString()
	}
	r.runID = strings.TrimSpace(r.input.RunID)
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	log := l.logger.With("thread_id", r.threadID, "run_id", r.runID)

	l.setPhase(PhaseStarted)
	if rec, ok := l.memory.(RunRecorder); ok {
		if err := rec.RecordRun(r.ctx, r.threadID, r.runID); err != nil {
			log.Warn("record run failed", "err", err)
		}
	}
	if err := r.emit(events.NewRunStartedEvent(r.threadID, r.runID)); err != nil {
		return err
	}
	if err := r.emit(events.NewStateSnapshotEvent(l.Snapshot().Map())); err != nil {
		return err
	}

	l.setPhase(PhaseAnalyzing)
	if prefs, err := l.memory.GetPreferences(r.ctx); err != nil {
		log.Warn("load preferences failed", "err", err)
	} else if len(prefs) > 0 {
		l.update(func(s *AgentState) { s.CurrentContext["preferences"] = prefs })
	}
	l.update(func(s *AgentState) {
		s.CurrentContext["messages"] = r.input.Messages
		s.CurrentContext["tools"] = r.input.Tools
		s.CurrentContext["context"] = r.input.Context
		if r.input.State != nil {
			s.CurrentContext["state"] = r.input.State
		}
	})
	analysis, err := l.analyzer.Analyze(r.ctx, r.input)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	analysis.Context = l.Snapshot().CurrentContext
	l.mu.Lock()
	l.analysis = &analysis
	l.mu.Unlock()
	if err := l.memory.StoreAnalysis(r.ctx, r.runID, toMap(analysis)); err != nil {
		log.Warn("store analysis failed", "err", err)
	}

	l.setPhase(PhasePlanning)
	plan, err := l.planner.CreatePlan(r.ctx, r.input, analysis)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	plan = normalizeSteps(plan, "")
	l.update(func(s *AgentState) { s.TaskStack = plan })
	log.Debug("plan created", "steps", len(plan))

	messageID := uuid.NewString()
	if err := r.emit(events.NewTextMessageStartEvent(messageID)); err != nil {
		return err
	}

	for {
		step, ok := l.pop()
		if !ok {
			break
		}
		if err := r.runStep(log, messageID, step); err != nil {
			return err
		}
	}

	l.setPhase(PhaseFinishing)
	if err := r.emit(events.NewTextMessageEndEvent(messageID)); err != nil {
		return err
	}
	final := l.Snapshot().Map()
	if err := r.emit(events.NewRunFinishedEvent(r.threadID, r.runID, events.WithResult(map[string]any{
		"status": "success",
		"state":  final,
	}))); err != nil {
		return err
	}
	l.setPhase(PhaseFinished)
	r.finishRun("success")
	log.Info("run finished", "steps", len(l.Snapshot().ExecutionHistory))
	return nil
}

func (r *run) runStep(log *slog.Logger, messageID string, step PlanStep) error {
	l := r.loop
	toolCallID := uuid.NewString()

	l.setPhase(PhaseExecuting)
	if err := r.emit(events.NewToolCallStartEvent(toolCallID, step.Label(), events.WithParentMessageID(messageID))); err != nil {
		return err
	}
	args, err := stepArguments(step)
	if err != nil {
		return err
	}
	argsEvent, err := events.NewToolCallArgsEvent(toolCallID, args)
	if err != nil {
		return err
	}
	if err := r.emit(argsEvent); err != nil {
		return err
	}

	result := l.executor.ExecuteStep(r.ctx, step)
	if err := checkContextCancelled(r.ctx); err != nil {
		return err
	}

	l.setPhase(PhaseObserving)
	l.update(func(s *AgentState) { s.observe(step, result, time.Now().Unix()) })
	r.persist(log, step, result)

	if err := r.emit(events.NewToolCallEndEvent(toolCallID)); err != nil {
		return err
	}
	if !result.Success {
		log.Debug("step failed", "step", step.Label(), "err", result.Error)
		if err := r.planRecovery(log, step, result); err != nil {
			return err
		}
	}
	content, err := events.NewTextMessageContentEvent(messageID, result.Summary(step))
	if err != nil {
		return err
	}
	if err := r.emit(content); err != nil {
		return err
	}
	return r.emit(events.NewStateSnapshotEvent(l.Snapshot().Map()))
}

// planRecovery prepends a recovery plan for a failed step, bounded per
// lineage.
func (r *run) planRecovery(log *slog.Logger, step PlanStep, result ExecutionResult) error {
	l := r.loop
	cause := errors.New(strings.TrimSpace(result.Error))
	if !l.replan(cause, step) {
		return nil
	}
	lineage := step.lineage()
	if r.attempts[lineage] >= l.maxRecovery {
		log.Warn("recovery attempts exhausted", "step", step.Label(), "attempts", r.attempts[lineage])
		return nil
	}
	r.attempts[lineage]++

	recovery, err := l.planner.CreateRecoveryPlan(r.ctx, cause, step)
	if err != nil {
		return fmt.Errorf("recovery plan: %w", err)
	}
	if len(recovery) == 0 {
		return nil
	}
	recovery = normalizeSteps(recovery, lineage)
	l.update(func(s *AgentState) {
		s.TaskStack = append(recovery, s.TaskStack...)
	})
	return nil
}

func (r *run) persist(log *slog.Logger, step PlanStep, result ExecutionResult) {
	l := r.loop
	if err := l.memory.UpdateState(r.ctx, r.runID, l.Snapshot().Map()); err != nil {
		log.Warn("update state failed", "err", err)
	}
	if rec, ok := l.memory.(StepRecorder); ok {
		if err := rec.SaveStepResult(r.ctx, r.runID, toMap(step), toMap(result)); err != nil {
			log.Warn("save step result failed", "err", err)
		}
	}
}

func (r *run) fail(err error) {
	r.loop.setPhase(PhaseErrored)
	r.finishRun("error")
	r.loop.logger.Warn("run failed", "run_id", r.runID, "err", err)
	r.deliverError(err)
}

func (r *run) finishRun(status string) {
	rec, ok := r.loop.memory.(RunRecorder)
	if !ok || r.runID == "" {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.loop.logger.Error("finish run panicked", "run_id", r.runID, "panic", p)
		}
	}()
	ctx := context.WithoutCancel(r.ctx)
	if err := rec.FinishRun(ctx, r.runID, status); err != nil {
		r.loop.logger.Warn("finish run failed", "run_id", r.runID, "err", err)
	}
}

// deliverError sends the terminal RUN_ERROR. While ctx is live it waits for
// the consumer like any other event; once ctx is done it gives up after
// runErrorDeliveryTimeout.
func (r *run) deliverError(err error) {
	if r.terminal {
		r.loop.logger.Warn("run error after terminal event", "run_id", r.runID, "err", err)
		return
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "run failed"
	}
	var opts []events.Option
	if code := runErrorCode(err); code != "" {
		opts = append(opts, events.WithErrorCode(code))
	}
	ev := events.NewRunErrorEvent(msg, opts...)

	if r.ctx.Err() == nil {
		select {
		case r.out <- ev:
			r.terminal = true
			return
		case <-r.ctx.Done():
		}
	}
	timer := time.NewTimer(runErrorDeliveryTimeout)
	defer timer.Stop()
	select {
	case r.out <- ev:
		r.terminal = true
	case <-timer.C:
		r.loop.logger.Warn("run error not delivered", "run_id", r.runID, "err", err)
	}
}

func (r *run) emit(e events.Event) error {
	if err := checkContextCancelled(r.ctx); err != nil {
		return err
	}
	select {
	case r.out <- e:
		if events.IsTerminal(e) {
			r.terminal = true
		}
		return nil
	case <-r.ctx.Done():
		return checkContextCancelled(r.ctx)
	}
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}

func (l *Loop) update(fn func(*AgentState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.state)
}

func (l *Loop) pop() (PlanStep, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.state.TaskStack) == 0 {
		return PlanStep{}, false
	}
	step := l.state.TaskStack[0]
	l.state.TaskStack = l.state.TaskStack[1:]
	return step, true
}

func stepArguments(step PlanStep) (string, error) {
	params := step.Params
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode arguments for %s: %w", step.Label(), err)
	}
	return string(raw), nil
}
