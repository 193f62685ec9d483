package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/nugget/triage-agent/internal/agent"
	"github.com/nugget/triage-agent/internal/analysis"
	"github.com/nugget/triage-agent/internal/historical"
	"github.com/nugget/triage-agent/internal/memory"
	"github.com/nugget/triage-agent/internal/usage"
)

// ContentPart is one part of a chat message body.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatRequest is the body of POST /agent/chat.
type ChatRequest struct {
	ThreadID string        `json:"threadId"`
	Type     string        `json:"type"`
	Content  []ContentPart `json:"content"`
}

// text joins the text parts of the request.
func (r ChatRequest) text() string {
	var parts []string
	for _, p := range r.Content {
		if (p.Type == "" || p.Type == "text") && strings.TrimSpace(p.Text) != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// MessageResponse is a stored message as the API presents it.
type MessageResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

func toMessageResponse(m memory.Message) MessageResponse {
	return MessageResponse{ID: m.ID, Type: m.Role, Content: m.Content}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analysis.Request
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.analyzer.Analyze(r.Context(), req)
	if err != nil {
		s.logger.Error("error analyzing ticket", "thread", req.ThreadID, "error", err)
		s.failure(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Type != "" && req.Type != memory.RoleHuman {
		s.failure(w, fmt.Errorf("%w: type must be %q", agent.ErrInvalidRequest, memory.RoleHuman))
		return
	}

	res, err := s.runner.Run(r.Context(), agent.Request{ThreadID: req.ThreadID, Content: req.text()})
	if err != nil {
		s.logger.Error("error in chat", "thread", req.ThreadID, "error", err)
		s.failure(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, toMessageResponse(res.Final), s.logger)
}

// handleHistory returns the thread's messages in order, omitting messages
// without content (ai turns that only requested tools).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")

	cp, err := s.store.LoadCheckpoint(r.Context(), threadID)
	if err != nil {
		s.logger.Error("error fetching history", "thread", threadID, "error", err)
		s.failure(w, err)
		return
	}

	out := make([]MessageResponse, 0, len(cp.Messages))
	for _, m := range cp.Messages {
		if m.Content == "" {
			continue
		}
		out = append(out, toMessageResponse(m))
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// handleUsage reports the tokens spent on a thread. Unknown threads have
// zero totals.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "not_found", "token usage ledger is disabled")
		return
	}
	threadID := r.PathValue("threadId")

	sum, err := s.usage.ThreadSummary(r.Context(), threadID)
	if err != nil {
		s.logger.Error("error fetching usage", "thread", threadID, "error", err)
		s.failure(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, struct {
		ThreadID string `json:"threadId"`
		*usage.Summary
	}{threadID, sum}, s.logger)
}

func (s *Server) handleAddHistorical(w http.ResponseWriter, r *http.Request) {
	var t historical.Ticket
	if !s.decode(w, r, &t) {
		return
	}
	if err := s.historical.Add(t); err != nil {
		s.failure(w, err)
		return
	}
	s.logger.Info("historical ticket added", "ticket", t.TicketID, "total", s.historical.Len())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, t, s.logger)
}
