package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yubzen/agentstream/internal/agent"
	"github.com/yubzen/agentstream/internal/config"
	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/logging"
	"github.com/yubzen/agentstream/internal/protocol"
	"github.com/yubzen/agentstream/internal/server"
)

func NewServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	var noState bool
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the event endpoints and run agents on request",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, level := g.logger(cfg, cmd.ErrOrStderr())

			rt, err := bootstrapRuntime(cfg, logger, !noState)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv, err := server.New(newEngine(cfg, logger),
				server.WithAddr(cfg.Server.Addr),
				server.WithLogger(logger),
				server.WithHeartbeat(cfg.Server.HeartbeatInterval.Duration),
				server.WithStreamBuffer(cfg.Server.StreamBuffer),
				server.WithRunEngine(func() *protocol.Engine { return newEngine(cfg, logger) }),
				server.WithRunStarter(func(ctx context.Context, input agent.RunAgentInput) <-chan events.Event {
					return rt.newLoop().Run(ctx, input)
				}),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !noWatch {
				_, err := config.Watch(ctx, g.path(), func(next *config.Config, err error) {
					if err != nil {
						logger.Warn("config reload failed", "err", err)
						return
					}
					level.Set(logging.ParseLevel(next.Log.Level))
					rt.manager.SetDefaultTimeout(next.Execution.DefaultTimeout.Duration)
					logger.Info("config reloaded", "log_level", next.Log.Level, "default_timeout", next.Execution.DefaultTimeout.Duration)
				})
				if err != nil {
					logger.Warn("config watch disabled", "path", g.path(), "err", err)
				}
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), durationOr(cfg.Server.ShutdownTimeout.Duration, config.Default().Server.ShutdownTimeout.Duration))
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return <-errCh
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noState, "no-state", false, "Do not persist runs to the state database")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the config file on change")
	return cmd
}
