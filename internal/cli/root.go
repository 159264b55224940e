// Package cli wires the agentstream commands.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yubzen/agentstream/internal/agent"
	"github.com/yubzen/agentstream/internal/config"
	"github.com/yubzen/agentstream/internal/execution"
	"github.com/yubzen/agentstream/internal/logging"
	"github.com/yubzen/agentstream/internal/middleware"
	"github.com/yubzen/agentstream/internal/protocol"
	"github.com/yubzen/agentstream/internal/state"
)

var (
	_ agent.Memory       = (*state.DB)(nil)
	_ agent.StepRecorder = (*state.DB)(nil)
	_ agent.RunRecorder  = (*state.DB)(nil)
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "agentstream",
		Short:         "Agent event streaming host, runner and viewer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to config file (default "+config.GetConfigPath()+")")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	root.AddCommand(
		NewServeCmd(g),
		NewRunCmd(g),
		NewWatchCmd(g),
		NewRuntimesCmd(g),
		NewAuthCmd(),
		NewRunsCmd(g),
	)
	return root
}

func (g *globalFlags) path() string {
	if p := strings.TrimSpace(g.configPath); p != "" {
		return p
	}
	return config.GetConfigPath()
}

func (g *globalFlags) load() (*config.Config, error) {
	return config.LoadFile(g.path())
}

func (g *globalFlags) logger(cfg *config.Config, out io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := cfg.Log.Level
	if override := strings.TrimSpace(g.logLevel); override != "" {
		level = override
	}
	return logging.New(logging.Options{Level: level, Format: cfg.Log.Format, Output: out})
}

// runtimeDeps holds what a command needs to execute agent runs.
type runtimeDeps struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *execution.Manager
	planner agent.Planner
	db      *state.DB
}

func (r *runtimeDeps) Close() {
	if r == nil {
		return
	}
	if r.manager != nil {
		if n := r.manager.Cleanup(); n > 0 {
			r.logger.Warn("terminated leftover processes", "count", n)
		}
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}

func bootstrapRuntime(cfg *config.Config, logger *slog.Logger, withState bool) (*runtimeDeps, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	logger = logging.OrDiscard(logger)

	workDir := strings.TrimSpace(cfg.Execution.WorkDir)
	if workDir == "" {
		workDir = "."
	}
	if _, err := os.Stat(workDir); err != nil {
		return nil, fmt.Errorf("invalid working directory %q: %w", workDir, err)
	}

	runtimes := execution.NewRuntimeManager(execution.DefaultRuntimes()...)
	for name, command := range cfg.Execution.Runtimes {
		runtimes.SetCommand(name, command)
	}

	rt := &runtimeDeps{
		cfg:    cfg,
		logger: logger,
		manager: execution.NewManager(
			execution.WithRuntimes(runtimes),
			execution.WithLogger(logger),
			execution.WithDefaultTimeout(cfg.Execution.DefaultTimeout.Duration),
			execution.WithGracePeriod(cfg.Execution.GracePeriod.Duration),
			execution.WithWorkDir(workDir),
		),
	}

	rt.planner = agent.KeywordPlanner{}
	if planFile := strings.TrimSpace(cfg.Agent.PlanFile); planFile != "" {
		fp, err := agent.LoadPlanFile(planFile, agent.KeywordPlanner{})
		if err != nil {
			return nil, err
		}
		rt.planner = fp
		logger.Info("loaded plan file", "path", planFile, "plans", fp.PlanNames())
	}

	if withState {
		db, err := state.Connect(cfg.State.DBPath)
		if err != nil {
			logger.Warn("state store unavailable, running without memory", "path", cfg.State.DBPath, "err", err)
		} else {
			rt.db = db
		}
	}
	return rt, nil
}

func (r *runtimeDeps) newLoop() *agent.Loop {
	tools := agent.DefaultToolSet(agent.ToolEnv{
		WorkingDir: r.cfg.Execution.WorkDir,
		Manager:    r.manager,
		Timeout:    r.cfg.Execution.DefaultTimeout.Duration,
	})
	opts := []agent.LoopOption{
		agent.WithLogger(r.logger),
		agent.WithEventBuffer(r.cfg.Agent.EventBuffer),
		agent.WithMaxRecoveryAttempts(r.cfg.Agent.MaxRecoveryAttempts),
	}
	if r.db != nil {
		opts = append(opts, agent.WithMemory(r.db))
	}
	return agent.NewLoop(r.planner, agent.NewToolExecutor(tools, r.logger), opts...)
}

// newEngine builds the protocol engine with the standard chain, preceded by
// secret redaction so nothing downstream sees raw credentials.
func newEngine(cfg *config.Config, logger *slog.Logger) *protocol.Engine {
	chain := []middleware.Middleware{
		middleware.NewRedaction(),
		middleware.NewValidation(),
		middleware.NewStateMerge(),
		middleware.NewContextEnrichment(),
		middleware.NewLogging(logger),
		middleware.NewUIMetadata(cfg.Server.Platform),
		middleware.NewStreaming(),
	}
	return protocol.NewEngine(protocol.WithLogger(logger), protocol.WithMiddleware(chain...))
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
