package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/triage-agent/internal/agent"
	"github.com/nugget/triage-agent/internal/fanout"
)

// writeTimeout bounds each write to a streaming client.
const writeTimeout = 30 * time.Second

// handleStream starts a run and relays its events as SSE. The
// subscription is taken before the run starts so no event is missed, and
// the run is detached from the request: a client that disconnects stops
// receiving but does not abort the turn.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(r.URL.Query().Get("threadId"))
	content := r.URL.Query().Get("content")
	if threadID == "" || strings.TrimSpace(content) == "" {
		s.failure(w, fmt.Errorf("%w: threadId and content are required", agent.ErrInvalidRequest))
		return
	}

	channel := fanout.ChannelName(threadID)
	runID := uuid.NewString()
	sub, err := s.broker.Subscribe(r.Context(), channel)
	if err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "stream_unavailable", err.Error())
		return
	}
	defer sub.Close()
	s.logger.Info("streaming messages to channel",
		"channel", channel,
		"run", runID,
		"subscribers", s.broker.SubscriberCount(channel),
	)

	runCtx := context.WithoutCancel(r.Context())
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		_ = s.publisher.Run(runCtx, threadID, runID, func(emit agent.Emitter) error {
			_, err := s.runner.RunStream(runCtx, agent.Request{ThreadID: threadID, Content: content}, emit)
			return err
		})
	}()

	s.relaySSE(w, r, sub, runID)
}

// handleObserve relays every run's events on a thread without starting
// one.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	channel := fanout.ChannelName(r.PathValue("threadId"))
	sub, err := s.broker.Subscribe(r.Context(), channel)
	if err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "stream_unavailable", err.Error())
		return
	}
	defer sub.Close()
	s.logger.Debug("observer attached", "channel", channel, "subscribers", s.broker.SubscriberCount(channel))

	s.relaySSE(w, r, sub, "")
}

// relaySSE writes events as `data: <json>` frames until a terminal event,
// the subscription closing, or the client going away. A non-empty runID
// restricts the relay to that run's events, so concurrent runs on one
// thread do not end each other's streams. A comment line is sent every
// KeepAlive so idle proxies keep the connection open.
func (s *Server) relaySSE(w http.ResponseWriter, r *http.Request, sub *fanout.Subscription, runID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	rc := http.NewResponseController(w)
	flush := func() bool {
		if err := rc.Flush(); err != nil {
			s.logger.Debug("sse flush failed", "error", err)
			return false
		}
		_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
		return true
	}
	w.WriteHeader(http.StatusOK)
	if !flush() {
		return
	}

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse client disconnected", "channel", sub.Channel())
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil || !flush() {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if runID != "" && ev.RunID != runID {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Debug("failed to marshal SSE event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil || !flush() {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

// handleWebSocket relays a thread's events as JSON text frames. The
// connection closes after the terminal event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(origin, s.cfg.CORSOrigins) || sameHost(origin, r.Host)
		},
	}

	sub, err := s.broker.Subscribe(r.Context(), fanout.ChannelName(r.PathValue("threadId")))
	if err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "stream_unavailable", err.Error())
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reader goroutine: observers send nothing, but reading is required to
	// process control frames and notice the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read ended", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
			if ev.Terminal() {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, ev.Type)
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
		}
	}
}

func sameHost(origin, host string) bool {
	_, rest, ok := strings.Cut(origin, "://")
	return ok && strings.EqualFold(rest, host)
}
