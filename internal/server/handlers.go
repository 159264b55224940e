package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/yubzen/agentstream/internal/agent"
	"github.com/yubzen/agentstream/internal/events"
)

type stateResponse struct {
	State    map[string]any   `json:"state"`
	Messages []events.Message `json:"messages"`
}

// emit decodes a wire event, runs it through the engine and publishes the
// result to subscribers.
func (s *Server) emit(ctx context.Context, data []byte) (events.Event, error) {
	ev, err := events.Decode(data)
	if err != nil {
		return nil, invalidEvent(err)
	}
	processed, err := s.engine.EmitEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.broker.Publish(processed)
	return processed, nil
}

// invalidEvent marks syntax failures from the decoder as validation errors.
func invalidEvent(err error) error {
	if errors.Is(err, events.ErrValidation) {
		return err
	}
	return &events.ValidationError{Field: "event", Reason: err.Error()}
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSONBody(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, errorCodeInvalidRequest, err.Error())
		return
	}

	processed, err := s.emit(r.Context(), raw)
	if err != nil {
		s.logger.Warn("event rejected", "err", err)
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, processed)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := decodeJSONBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, errorCodeInvalidRequest, err.Error())
		return
	}

	out, err := s.engine.ProcessInput(r.Context(), input)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		State:    s.engine.State(),
		Messages: s.engine.Messages(),
	})
}

// handleStream relays every published event as server-push frames until
// the client goes away or the subscriber is dropped.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errorCodeRuntime, "streaming unsupported")
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeFrame(w, ev); err != nil {
				s.logger.Debug("stream write failed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleRun starts an agent run and streams its processed events back on
// the response while also publishing them to subscribers. Each run gets its
// own engine.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.startRun == nil {
		writeError(w, http.StatusServiceUnavailable, errorCodeUnavailable, ErrNoRunStarter.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errorCodeRuntime, "streaming unsupported")
		return
	}

	var input agent.RunAgentInput
	if err := decodeJSONBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, errorCodeInvalidRequest, err.Error())
		return
	}

	ctx := r.Context()
	stream := s.runEngine().Pipe(ctx, s.startRun(ctx, input))

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientGone := false
	for ev := range stream {
		s.broker.Publish(ev)
		if clientGone {
			continue
		}
		if err := writeFrame(w, ev); err != nil {
			s.logger.Debug("run stream write failed", "err", err)
			clientGone = true
			continue
		}
		flusher.Flush()
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeFrame(w http.ResponseWriter, ev events.Event) error {
	frame, err := events.EncodeSSE(ev)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
