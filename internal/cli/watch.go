package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/transport"
	"github.com/yubzen/agentstream/internal/tui"
)

const (
	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 10 * time.Second
)

func NewWatchCmd(g *globalFlags) *cobra.Command {
	var url string
	var kind string
	var credential string
	var plain bool
	var jsonLines bool
	var reconnect bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show a live view of a host's event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(kind) == "" {
				kind = transport.KindSSE
			}
			if strings.TrimSpace(url) == "" {
				url = defaultWatchURL(cfg.Server.Addr, kind)
			}
			if strings.TrimSpace(credential) == "" {
				credential = cfg.Transport.Credential
			}
			token, err := loadToken(credential)
			if err != nil {
				return err
			}

			// the TUI owns the terminal, so logs are kept off it
			logOut := cmd.ErrOrStderr()
			if !plain && !jsonLines {
				logOut = io.Discard
			}
			logger, _ := g.logger(cfg, logOut)

			t, err := transport.New(transport.Config{
				Kind:    kind,
				URL:     url,
				Token:   token,
				Timeout: cfg.Transport.Timeout.Duration,
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !t.Connect(ctx) {
				return fmt.Errorf("connect %s: %v", url, t.LastError())
			}
			stream := receiveLoop(ctx, t, reconnect, logger)
			defer t.Disconnect()

			switch {
			case jsonLines:
				return writeEventLines(cmd.OutOrStdout(), stream)
			case plain:
				for ev := range stream {
					fmt.Fprintln(cmd.OutOrStdout(), tui.FormatLine(ev))
				}
				return nil
			default:
				return tui.Run(ctx, url, stream)
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Stream endpoint (default derived from server.addr)")
	cmd.Flags().StringVar(&kind, "transport", "", "Transport kind: sse or websocket")
	cmd.Flags().StringVar(&credential, "credential", "", "Stored credential name used as bearer token")
	cmd.Flags().BoolVar(&plain, "plain", false, "Print one summary line per event instead of the TUI")
	cmd.Flags().BoolVar(&jsonLines, "json", false, "Print raw JSON lines instead of the TUI")
	cmd.Flags().BoolVar(&reconnect, "reconnect", true, "Reconnect with backoff when the stream drops")
	return cmd
}

func defaultWatchURL(addr, kind string) string {
	addr = strings.TrimSpace(addr)
	if strings.EqualFold(kind, transport.KindWebSocket) || strings.EqualFold(kind, "ws") {
		return "ws://" + addr + "/agui/ws"
	}
	return "http://" + addr + "/agui/stream"
}

// receiveLoop forwards received events until ctx ends. A dropped
// connection ends the stream unless reconnect is set.
func receiveLoop(ctx context.Context, t transport.Transport, reconnect bool, logger *slog.Logger) <-chan events.Event {
	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		delay := reconnectBaseDelay
		for ctx.Err() == nil {
			ev, err := t.ReceiveEvent(ctx)
			if errors.Is(err, transport.ErrRequiresWebhook) {
				logger.Error("transport cannot receive", "transport", t.Name(), "err", err)
				return
			}
			if err != nil {
				logger.Warn("skipping undecodable event", "transport", t.Name(), "err", err)
				continue
			}
			if ev != nil {
				delay = reconnectBaseDelay
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				continue
			}
			if t.Connected() {
				continue
			}
			if !reconnect {
				return
			}
			logger.Info("stream dropped, reconnecting", "transport", t.Name(), "delay", delay, "err", t.LastError())
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if !t.Connect(ctx) {
				delay = min(delay*2, reconnectMaxDelay)
			}
		}
	}()
	return out
}
