package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/yubzen/agentstream/internal/events"
)

// HTTPPush posts each event to a remote endpoint. It has no inbound side.
type HTTPPush struct {
	status
	url    string
	token  string
	client *http.Client
}

func NewHTTPPush(cfg Config) *HTTPPush {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeoutOr(cfg.Timeout)}
	}
	return &HTTPPush{
		status: newStatus(KindHTTP, cfg.Logger),
		url:    strings.TrimSpace(cfg.URL),
		token:  cfg.Token,
		client: client,
	}
}

// Connect only checks the endpoint URL; the channel is stateless.
func (h *HTTPPush) Connect(context.Context) bool {
	u, err := url.Parse(h.url)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		if err == nil {
			err = fmt.Errorf("invalid endpoint %q", h.url)
		}
		h.fail("connect", err)
		return false
	}
	h.setConnected(true)
	return true
}

func (h *HTTPPush) Disconnect() bool {
	h.client.CloseIdleConnections()
	h.setConnected(false)
	return true
}

func (h *HTTPPush) SendEvent(ctx context.Context, e events.Event) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := events.Marshal(e)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		h.fail("send", err)
		return false, nil
	}
	req.Header.Set("Content-Type", "application/json")
	bearer(req.Header, h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		h.fail("send", err)
		return false, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.fail("send", errors.New("unexpected status "+resp.Status))
		return false, nil
	}
	return true, nil
}

func (h *HTTPPush) ReceiveEvent(context.Context) (events.Event, error) {
	return nil, ErrRequiresWebhook
}
