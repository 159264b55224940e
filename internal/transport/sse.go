package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/yubzen/agentstream/internal/events"
)

const maxFrameBytes = 1024 * 1024

// FrameReader splits a server-push stream into data payloads. Comment
// lines and fields other than data are skipped; several data lines in one
// frame are joined with newlines.
type FrameReader struct {
	scanner *bufio.Scanner
}

func NewFrameReader(source io.Reader) *FrameReader {
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	return &FrameReader{scanner: scanner}
}

// Next returns the payload of the next complete frame. A frame cut off by
// the end of the stream yields io.ErrUnexpectedEOF.
func (r *FrameReader) Next() (string, error) {
	var data []string
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		data = append(data, strings.TrimPrefix(value, " "))
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	if len(data) > 0 {
		return "", io.ErrUnexpectedEOF
	}
	return "", io.EOF
}

// SSE reads events from a long-lived server-push response. It cannot send.
type SSE struct {
	status
	url    string
	token  string
	client *http.Client

	mu     sync.Mutex
	body   io.ReadCloser
	reader *FrameReader
	cancel context.CancelFunc
}

func NewSSE(cfg Config) *SSE {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &SSE{
		status: newStatus(KindSSE, cfg.Logger),
		url:    cfg.URL,
		token:  cfg.Token,
		client: client,
	}
}

// Connect opens the stream. ctx bounds the handshake only; the stream stays
// open until Disconnect.
func (s *SSE) Connect(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.url, nil)
	if err != nil {
		cancel()
		s.fail("connect", err)
		return false
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	bearer(req.Header, s.token)

	stop := context.AfterFunc(ctx, cancel)
	resp, err := s.client.Do(req)
	stop()
	if err != nil {
		cancel()
		s.fail("connect", err)
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		s.fail("connect", fmt.Errorf("unexpected status %s", resp.Status))
		return false
	}

	s.mu.Lock()
	s.closeLocked()
	s.body = resp.Body
	s.reader = NewFrameReader(resp.Body)
	s.cancel = cancel
	s.mu.Unlock()
	s.setConnected(true)
	return true
}

func (s *SSE) closeLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.body != nil {
		_ = s.body.Close()
		s.body = nil
	}
	s.reader = nil
}

func (s *SSE) Disconnect() bool {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
	s.setConnected(false)
	return true
}

func (s *SSE) SendEvent(context.Context, events.Event) (bool, error) {
	return false, ErrReceiveOnly
}

// ReceiveEvent parses one frame. Cancelling ctx closes the stream.
func (s *SSE) ReceiveEvent(ctx context.Context) (events.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	reader, cancel := s.reader, s.cancel
	s.mu.Unlock()
	if reader == nil {
		s.fail("receive", errNotConnected)
		return nil, nil
	}

	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	payload, err := reader.Next()
	if err != nil {
		s.fail("receive", err)
		s.setConnected(false)
		return nil, nil
	}
	return events.Decode([]byte(payload))
}
