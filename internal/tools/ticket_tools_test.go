package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/triage-agent/internal/historical"
	"github.com/nugget/triage-agent/internal/knowledge"
	"github.com/nugget/triage-agent/internal/llm"
)

type mockLLM struct {
	content  string
	err      error
	model    string
	messages []llm.Message
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	m.model = model
	m.messages = msgs
	if m.err != nil {
		return nil, m.err
	}
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: m.content}}, nil
}

func (m *mockLLM) ChatStream(ctx context.Context, model string, msgs []llm.Message, tools []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	return m.Chat(ctx, model, msgs, tools)
}

func (m *mockLLM) Ping(context.Context) error { return nil }

type fakeSearcher struct {
	results []knowledge.Result
	err     error
	query   string
	limit   int
}

func (f *fakeSearcher) Search(_ context.Context, query string, limit int) ([]knowledge.Result, error) {
	f.query, f.limit = query, limit
	return f.results, f.err
}

func ticketRegistry(deps TicketDeps) *Registry {
	r := NewRegistry(quietLogger())
	deps.Logger = quietLogger()
	if deps.Model == "" {
		deps.Model = "gpt-4o"
	}
	RegisterTicketTools(r, deps)
	return r
}

func TestRegisterTicketTools_Names(t *testing.T) {
	r := ticketRegistry(TicketDeps{})
	got := strings.Join(r.Names(), ",")
	if got != "classify_ticket,extract_metadata,query_historical,search_knowledge" {
		t.Errorf("Names() = %s", got)
	}
}

func TestClassifyTicket(t *testing.T) {
	t.Run("returns raw model reply", func(t *testing.T) {
		m := &mockLLM{content: `{"category":"Network","priority":"P2-High"}`}
		r := ticketRegistry(TicketDeps{Classifier: m})

		got, err := r.Execute(context.Background(), ClassifyTicket, `{"ticket_text":"VPN drops every hour"}`)
		if err != nil {
			t.Fatal(err)
		}
		if got != m.content {
			t.Errorf("got %q", got)
		}
		if m.model != "gpt-4o" || len(m.messages) != 1 || !strings.HasSuffix(m.messages[0].Content, "Ticket: VPN drops every hour") {
			t.Errorf("prompt = %+v", m.messages)
		}
	})

	t.Run("fallback on model failure", func(t *testing.T) {
		r := ticketRegistry(TicketDeps{Classifier: &mockLLM{err: errors.New("503")}})

		got, err := r.Execute(context.Background(), ClassifyTicket, `{"ticket_text":"laptop fan noisy"}`)
		if err != nil {
			t.Fatalf("fallback must not be an error: %v", err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(got), &payload); err != nil {
			t.Fatal(err)
		}
		if payload["error"] != "Classification failed" || payload["category"] != "Unknown" ||
			payload["priority"] != "P3-Medium" || payload["assigned_team"] != "End User Support" ||
			payload["confidence"] != float64(0) {
			t.Errorf("payload = %v", payload)
		}
	})

	t.Run("empty ticket text", func(t *testing.T) {
		r := ticketRegistry(TicketDeps{Classifier: &mockLLM{}})
		inv := r.Invoke(context.Background(), ClassifyTicket, `{"ticket_text":"  "}`)
		if inv.OK || !strings.Contains(inv.Result, "must not be empty") {
			t.Errorf("Invoke = %+v", inv)
		}
	})
}

func TestExtractMetadata_Fallback(t *testing.T) {
	classifier := &mockLLM{content: "unused"}
	extractor := &mockLLM{err: errors.New("context deadline exceeded")}
	r := ticketRegistry(TicketDeps{Classifier: classifier, Extractor: extractor})

	got, err := r.Execute(context.Background(), ExtractMetadata, `{"ticket_text":"SAP down for finance"}`)
	if err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(got), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["error"] != "Extraction failed" || payload["priority_score"] != 0.5 ||
		payload["urgency_level"] != "Medium" || payload["user_impact"] != "Single User" ||
		payload["requires_escalation"] != false {
		t.Errorf("payload = %v", payload)
	}
	if systems, ok := payload["affected_systems"].([]any); !ok || len(systems) != 0 {
		t.Errorf("affected_systems = %v", payload["affected_systems"])
	}
	if classifier.messages != nil {
		t.Error("extract_metadata used the classifier client")
	}
	if !strings.Contains(extractor.messages[0].Content, "priority_score") {
		t.Error("extractor did not receive the metadata prompt")
	}
}

func TestSearchKnowledge(t *testing.T) {
	t.Run("results", func(t *testing.T) {
		s := &fakeSearcher{results: []knowledge.Result{{DocID: "vpn-0", Title: "VPN", Content: "Renew cert", Score: 0.5}}}
		r := ticketRegistry(TicketDeps{Knowledge: s})

		got, err := r.Execute(context.Background(), SearchKnowledge, `{"query":"  vpn certificate "}`)
		if err != nil {
			t.Fatal(err)
		}
		if s.query != "vpn certificate" || s.limit != 3 {
			t.Errorf("search(%q, %d)", s.query, s.limit)
		}
		var results []knowledge.Result
		if err := json.Unmarshal([]byte(got), &results); err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 || results[0].DocID != "vpn-0" {
			t.Errorf("results = %+v", results)
		}
	})

	t.Run("no results is empty array", func(t *testing.T) {
		r := ticketRegistry(TicketDeps{Knowledge: &fakeSearcher{}})
		got, err := r.Execute(context.Background(), SearchKnowledge, `{"query":"x"}`)
		if err != nil || got != "[]" {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("search failure becomes error payload", func(t *testing.T) {
		r := ticketRegistry(TicketDeps{Knowledge: &fakeSearcher{err: errors.New("unavailable")}})
		inv := r.Invoke(context.Background(), SearchKnowledge, `{"query":"x"}`)
		if inv.OK || !strings.Contains(inv.Result, "knowledge search failed") {
			t.Errorf("Invoke = %+v", inv)
		}
	})

	t.Run("unconfigured", func(t *testing.T) {
		r := ticketRegistry(TicketDeps{})
		inv := r.Invoke(context.Background(), SearchKnowledge, `{"query":"x"}`)
		if inv.OK || !strings.Contains(inv.Result, "not configured") {
			t.Errorf("Invoke = %+v", inv)
		}
	})
}

func TestQueryHistorical(t *testing.T) {
	r := ticketRegistry(TicketDeps{Historical: historical.NewSeededStore()})

	got, err := r.Execute(context.Background(), QueryHistorical, `{"question":"VPN certificate expired"}`)
	if err != nil {
		t.Fatal(err)
	}
	var tickets []historical.Ticket
	if err := json.Unmarshal([]byte(got), &tickets); err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 1 || tickets[0].TicketID != "HIST-003" {
		t.Errorf("tickets = %+v", tickets)
	}

	got, err = r.Execute(context.Background(), QueryHistorical, `{"question":"zzzz"}`)
	if err != nil || got != "[]" {
		t.Errorf("no match = %q, %v", got, err)
	}
}
