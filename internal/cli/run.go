package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yubzen/agentstream/internal/agent"
	"github.com/yubzen/agentstream/internal/config"
	"github.com/yubzen/agentstream/internal/credentials"
	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/transport"
)

var ErrRunFailed = errors.New("run failed")

type runOptions struct {
	threadID   string
	runID      string
	planFile   string
	workDir    string
	kind       string
	url        string
	credential string
	noState    bool
}

func NewRunCmd(g *globalFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Run the agent loop locally and stream its events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			opts.apply(cfg)
			logger, _ := g.logger(cfg, cmd.ErrOrStderr())

			rt, err := bootstrapRuntime(cfg, logger, !opts.noState)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			input := agent.RunAgentInput{
				ThreadID: opts.threadID,
				RunID:    opts.runID,
				Messages: []events.Message{{
					ID:      uuid.NewString(),
					Role:    "user",
					Content: strings.Join(args, " "),
				}},
			}
			stream := newEngine(cfg, logger).Pipe(ctx, rt.newLoop().Run(ctx, input))

			if strings.TrimSpace(cfg.Transport.URL) == "" {
				return writeEventLines(cmd.OutOrStdout(), stream)
			}
			return pushEvents(ctx, cfg, stream, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.threadID, "thread", "", "Thread id (generated when empty)")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "Run id (generated when empty)")
	cmd.Flags().StringVar(&opts.planFile, "plan-file", "", "YAML plan file (overrides agent.plan_file)")
	cmd.Flags().StringVar(&opts.workDir, "workdir", "", "Working directory for tools (overrides execution.workdir)")
	cmd.Flags().StringVar(&opts.kind, "transport", "", "Push transport kind: websocket or http")
	cmd.Flags().StringVar(&opts.url, "url", "", "Push events to this endpoint instead of stdout")
	cmd.Flags().StringVar(&opts.credential, "credential", "", "Stored credential name used as bearer token")
	cmd.Flags().BoolVar(&opts.noState, "no-state", false, "Do not persist the run to the state database")
	return cmd
}

func (o *runOptions) apply(cfg *config.Config) {
	if v := strings.TrimSpace(o.planFile); v != "" {
		cfg.Agent.PlanFile = v
	}
	if v := strings.TrimSpace(o.workDir); v != "" {
		cfg.Execution.WorkDir = v
	}
	if v := strings.TrimSpace(o.url); v != "" {
		cfg.Transport.URL = v
		if strings.TrimSpace(o.kind) == "" && cfg.Transport.Kind == transport.KindSSE {
			cfg.Transport.Kind = transport.KindHTTP
		}
	}
	if v := strings.TrimSpace(o.kind); v != "" {
		cfg.Transport.Kind = v
	}
	if v := strings.TrimSpace(o.credential); v != "" {
		cfg.Transport.Credential = v
	}
}

// writeEventLines prints every event as one JSON line and reports a failed
// run as an error once the stream is drained.
func writeEventLines(out io.Writer, stream <-chan events.Event) error {
	var runErr error
	for ev := range stream {
		data, err := events.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ev.Type(), err)
		}
		if _, err := fmt.Fprintln(out, string(data)); err != nil {
			return err
		}
		if e, ok := ev.(events.RunError); ok {
			runErr = fmt.Errorf("%w: %s", ErrRunFailed, e.Message)
		}
	}
	return runErr
}

func pushEvents(ctx context.Context, cfg *config.Config, stream <-chan events.Event, out io.Writer) error {
	token, err := loadToken(cfg.Transport.Credential)
	if err != nil {
		return err
	}
	t, err := transport.New(transport.Config{
		Kind:    cfg.Transport.Kind,
		URL:     cfg.Transport.URL,
		Token:   token,
		Timeout: cfg.Transport.Timeout.Duration,
	})
	if err != nil {
		return err
	}
	if !t.Connect(ctx) {
		return fmt.Errorf("connect %s %s: %w", t.Name(), cfg.Transport.URL, t.LastError())
	}
	defer t.Disconnect()

	var runErr error
	watched := make(chan events.Event)
	go func() {
		defer close(watched)
		for ev := range stream {
			if e, ok := ev.(events.RunError); ok {
				runErr = fmt.Errorf("%w: %s", ErrRunFailed, e.Message)
			}
			watched <- ev
		}
	}()

	sent, failed, err := transport.Pump(ctx, t, watched)
	// drain so the producer goroutine can exit when the pump stopped early
	for range watched {
	}
	fmt.Fprintf(out, "pushed %d events via %s (%d failed)\n", sent, t.Name(), failed)
	if err != nil {
		return err
	}
	return runErr
}

func loadToken(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	token, err := credentials.Load(name)
	if err != nil {
		return "", fmt.Errorf("load credential %q: %w", name, err)
	}
	return token, nil
}
