package livequery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"launchpad/internal/metrics"

	"github.com/go-chi/chi/v5"
)

// handleSSE streams one subscription as server-sent events:
//
//	event: authChange
//	data: {"initial":true,"args":[]}
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	if !ValidEventName(event) {
		http.Error(w, "invalid event name", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	initial, _ := strconv.ParseBool(r.URL.Query().Get("initial"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	sub := s.cfg.Manager.Open(event, initial)
	s.logger.Debug("sse stream opened", "event", event, "sub_id", sub.ID())

	for v, err := range sub.All(r.Context()) {
		if err != nil {
			break
		}
		args, err := encodeArgs(v.Args)
		if err != nil {
			s.logger.Warn("sse args not encodable", "event", event, "err", err)
			continue
		}
		data, _ := json.Marshal(struct {
			Initial bool            `json:"initial"`
			Args    json.RawMessage `json:"args"`
		}{v.Initial, args})
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}
	s.logger.Debug("sse stream closed", "event", event, "sub_id", sub.ID())
}

// handleSignal raises a signal from an HTTP request. The body is optional:
// a JSON array is spread into positional args, any other JSON value is the
// single arg.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	if !ValidEventName(event) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event name"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}
	args, err := ParseArgs(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}

	listeners := s.cfg.Bus.ListenerCount(event)
	s.cfg.Bus.Signal(event, args...)
	s.logger.Debug("signal raised over http", "event", event, "args", len(args), "listeners", listeners)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"event":     event,
		"listeners": listeners,
	})
}

// ParseArgs converts a JSON document into signal args: an array is spread,
// an empty document yields no args, anything else is a single arg.
func ParseArgs(data []byte) ([]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if arr, ok := v.([]any); ok {
		return arr, nil
	}
	return []any{v}, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for _, name := range s.cfg.Bus.Names() {
		counts[name] = s.cfg.Bus.ListenerCount(name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"listeners": counts})
}

// Status is the body of GET /status.
type Status struct {
	Status        string         `json:"status"`
	Uptime        string         `json:"uptime"`
	StartedAt     time.Time      `json:"startedAt"`
	Connections   int            `json:"connections"`
	Subscriptions int            `json:"subscriptions"`
	ByEvent       map[string]int `json:"subscriptionsByEvent"`
	Listeners     map[string]int `json:"listeners"`
}

// Status reports server state.
func (s *Server) Status() Status {
	listeners := make(map[string]int)
	for _, name := range s.cfg.Bus.Names() {
		listeners[name] = s.cfg.Bus.ListenerCount(name)
	}
	return Status{
		Status:        "ok",
		Uptime:        metrics.Uptime().Truncate(time.Second).String(),
		StartedAt:     s.started,
		Connections:   s.Connections(),
		Subscriptions: s.cfg.Manager.Active(),
		ByEvent:       s.cfg.Manager.CountByEvent(),
		Listeners:     listeners,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
