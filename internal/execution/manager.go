package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yubzen/agentstream/internal/logging"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultGracePeriod = 2 * time.Second
	probeTimeout       = 10 * time.Second
	installTimeout     = 5 * time.Minute
	maxOutputBytes     = 1 << 20
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// ResourceUsage holds coarse counters sampled while the process ran.
// Counters that could not be read stay zero.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	ReadBytes   uint64  `json:"read_bytes"`
	WriteBytes  uint64  `json:"write_bytes"`
}

type Result struct {
	Status   Status        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	Runtime  string        `json:"runtime,omitempty"`
	PID      int           `json:"pid,omitempty"`
	Duration time.Duration `json:"duration"`
	Usage    ResourceUsage `json:"resource_usage"`
}

func (r Result) Success() bool { return r.Status == StatusSuccess }

// Spec describes one managed process.
type Spec struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   string
	Timeout time.Duration
	Runtime string
}

type Manager struct {
	runtimes       *RuntimeManager
	logger         *slog.Logger
	defaultTimeout time.Duration
	grace          time.Duration
	sampleEvery    time.Duration
	workDir        string
	tempDir        string

	mu      sync.Mutex
	tracked map[int]*os.Process
	last    *Result
}

type Option func(*Manager)

func WithRuntimes(r *RuntimeManager) Option {
	return func(m *Manager) {
		if r != nil {
			m.runtimes = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

func WithSampleInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sampleEvery = d
		}
	}
}

// WithWorkDir sets the directory processes run in and relative script
// paths resolve against.
func WithWorkDir(dir string) Option {
	return func(m *Manager) { m.workDir = strings.TrimSpace(dir) }
}

func WithTempDir(dir string) Option {
	return func(m *Manager) { m.tempDir = strings.TrimSpace(dir) }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		runtimes:       NewRuntimeManager(),
		logger:         logging.Discard(),
		defaultTimeout: DefaultTimeout,
		grace:          DefaultGracePeriod,
		sampleEvery:    250 * time.Millisecond,
		tracked:        make(map[int]*os.Process),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) Runtimes() *RuntimeManager { return m.runtimes }

func (m *Manager) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.defaultTimeout = d
	m.mu.Unlock()
}

func (m *Manager) timeoutFor(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultTimeout
}

// Run spawns the process described by spec and owns it until it exits.
// A process that outlives its timeout, or whose context is cancelled, is
// sent SIGTERM, given the grace period, then killed. Run never returns an
// error: every failure is classified in the Result.
func (m *Manager) Run(ctx context.Context, spec Spec) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	res := Result{Runtime: spec.Runtime, ExitCode: -1}

	path := strings.TrimSpace(spec.Path)
	if path == "" {
		return m.finish(res.fail(start, errors.New("no executable given")))
	}
	if err := ctx.Err(); err != nil {
		return m.finish(res.fail(start, err))
	}
	timeout := m.timeoutFor(spec.Timeout)

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	if cmd.Dir == "" {
		cmd.Dir = m.workDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	out := newCappedBuffer(maxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = m.grace
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return m.finish(res.fail(start, fmt.Errorf("start %s: %w", filepath.Base(path), err)))
	}
	pid := cmd.Process.Pid
	res.PID = pid
	m.track(pid, cmd.Process)
	defer m.untrack(pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	sampler := startSampler(pid, m.sampleEvery)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		waitErr  error
		timedOut bool
		ctxErr   error
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		waitErr = m.stop(cmd, done)
	case <-ctx.Done():
		ctxErr = ctx.Err()
		waitErr = m.stop(cmd, done)
	}

	res.Usage = sampler.finish()
	res.Output = out.String()
	res.Duration = time.Since(start)
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case timedOut:
		res.Status = StatusTimeout
		res.Error = fmt.Sprintf("execution timed out after %s", timeout)
	case ctxErr != nil:
		res.Status = StatusError
		res.Error = fmt.Sprintf("execution cancelled: %v", ctxErr)
	case waitErr == nil:
		res.Status = StatusSuccess
	default:
		res.Status = StatusError
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.Error = fmt.Sprintf("exit status %d", exitErr.ExitCode())
		} else {
			res.Error = waitErr.Error()
		}
	}
	return m.finish(res)
}

func (m *Manager) stop(cmd *exec.Cmd, done <-chan error) error {
	pid := cmd.Process.Pid
	m.logger.Debug("terminating process", "pid", pid, "grace", m.grace)
	if err := terminate(cmd.Process); err != nil {
		m.logger.Debug("terminate failed", "pid", pid, "err", err)
	}
	grace := time.NewTimer(m.grace)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
	}
	m.logger.Warn("process ignored terminate, killing", "pid", pid)
	if err := kill(cmd.Process); err != nil {
		m.logger.Debug("kill failed", "pid", pid, "err", err)
	}
	return <-done
}

func (r Result) fail(start time.Time, err error) Result {
	r.Status = StatusError
	r.Error = err.Error()
	r.Duration = time.Since(start)
	return r
}

func (m *Manager) finish(res Result) Result {
	m.mu.Lock()
	last := res
	m.last = &last
	m.mu.Unlock()
	m.logger.Debug("process finished",
		"runtime", res.Runtime,
		"pid", res.PID,
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

// LastExecution returns the most recent result produced by this manager.
func (m *Manager) LastExecution() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Result{}, false
	}
	return *m.last, true
}

func (m *Manager) track(pid int, p *os.Process) {
	m.mu.Lock()
	m.tracked[pid] = p
	m.mu.Unlock()
}

func (m *Manager) untrack(pid int) {
	m.mu.Lock()
	delete(m.tracked, pid)
	m.mu.Unlock()
}

// Tracked lists the pids of processes currently owned by the manager.
func (m *Manager) Tracked() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pids := make([]int, 0, len(m.tracked))
	for pid := range m.tracked {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Cleanup force-kills every tracked process and returns how many were
// signalled. Intended for abnormal shutdown.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	procs := make([]*os.Process, 0, len(m.tracked))
	for _, p := range m.tracked {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	killed := 0
	for _, p := range procs {
		if err := kill(p); err != nil {
			m.logger.Debug("cleanup kill failed", "pid", p.Pid, "err", err)
			continue
		}
		killed++
	}
	if killed > 0 {
		m.logger.Warn("killed tracked processes", "count", killed)
	}
	return killed
}

// RunCode writes code to a temporary file and runs it with the given
// runtime, detecting one when runtime is empty. The file is removed on
// every path.
func (m *Manager) RunCode(ctx context.Context, code, runtime string, timeout time.Duration, env map[string]string) Result {
	start := time.Now()
	name := strings.TrimSpace(runtime)
	if name == "" {
		name = m.runtimes.Detect(code)
	}
	rt, path, err := m.runtimes.Resolve(name)
	if err != nil {
		return m.finish(Result{Runtime: name, ExitCode: -1}.fail(start, err))
	}

	f, err := os.CreateTemp(m.tempDir, "agentstream-*"+rt.extension())
	if err != nil {
		return m.finish(Result{Runtime: rt.Name, ExitCode: -1}.fail(start, fmt.Errorf("create temp file: %w", err)))
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return m.finish(Result{Runtime: rt.Name, ExitCode: -1}.fail(start, fmt.Errorf("write temp file: %w", err)))
	}
	if err := f.Close(); err != nil {
		return m.finish(Result{Runtime: rt.Name, ExitCode: -1}.fail(start, fmt.Errorf("close temp file: %w", err)))
	}

	return m.Run(ctx, Spec{
		Path:    path,
		Args:    []string{f.Name()},
		Env:     envList(env),
		Timeout: timeout,
		Runtime: rt.Name,
	})
}

// RunScript runs an existing script file. Relative paths resolve against
// the manager's work dir.
func (m *Manager) RunScript(ctx context.Context, script string, args []string, timeout time.Duration) Result {
	start := time.Now()
	script = strings.TrimSpace(script)
	if script == "" {
		return m.finish(Result{ExitCode: -1}.fail(start, errors.New("no script given")))
	}
	if !filepath.IsAbs(script) && m.workDir != "" {
		script = filepath.Join(m.workDir, script)
	}
	info, err := os.Stat(script)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("script not found: %s", script)
		}
		return m.finish(Result{ExitCode: -1}.fail(start, err))
	}
	if info.IsDir() {
		return m.finish(Result{ExitCode: -1}.fail(start, fmt.Errorf("script is a directory: %s", script)))
	}

	rt, path, err := m.runtimes.Resolve(m.runtimes.ScriptRuntime(script))
	if err != nil {
		return m.finish(Result{Runtime: rt.Name, ExitCode: -1}.fail(start, err))
	}
	return m.Run(ctx, Spec{
		Path:    path,
		Args:    append([]string{script}, args...),
		Timeout: timeout,
		Runtime: rt.Name,
	})
}

// Verify probes a runtime. A missing interpreter or a non-zero probe exit
// means unavailable.
func (m *Manager) Verify(ctx context.Context, name string) bool {
	rt, path, err := m.runtimes.Resolve(name)
	if err != nil {
		m.logger.Debug("runtime unavailable", "runtime", name, "err", err)
		return false
	}
	res := m.Run(ctx, Spec{Path: path, Args: rt.ProbeArgs, Timeout: probeTimeout, Runtime: rt.Name})
	return res.Success()
}

// InstallDependencies installs packages with the runtime's package tool.
// Best-effort: failures are logged and reported as false.
func (m *Manager) InstallDependencies(ctx context.Context, runtime string, packages []string) bool {
	pkgs := slices.DeleteFunc(slices.Clone(packages), func(p string) bool { return strings.TrimSpace(p) == "" })
	if len(pkgs) == 0 {
		return true
	}
	rt, path, err := m.runtimes.Resolve(runtime)
	if err != nil {
		m.logger.Warn("cannot install dependencies", "runtime", runtime, "err", err)
		return false
	}
	if len(rt.InstallArgs) == 0 {
		m.logger.Warn("runtime has no package installer", "runtime", rt.Name)
		return false
	}
	if rt.InstallCommand != "" {
		path, err = exec.LookPath(rt.InstallCommand)
		if err != nil {
			m.logger.Warn("package installer not found", "runtime", rt.Name, "command", rt.InstallCommand)
			return false
		}
	}
	args := append(slices.Clone(rt.InstallArgs), pkgs...)
	res := m.Run(ctx, Spec{Path: path, Args: args, Timeout: installTimeout, Runtime: rt.Name})
	if !res.Success() {
		m.logger.Warn("dependency install failed", "runtime", rt.Name, "packages", pkgs, "err", res.Error)
	}
	return res.Success()
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
