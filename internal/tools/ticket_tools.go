package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/triage-agent/internal/historical"
	"github.com/nugget/triage-agent/internal/knowledge"
	"github.com/nugget/triage-agent/internal/llm"
	"github.com/nugget/triage-agent/internal/prompts"
)

// Tool names, as the system prompt refers to them.
const (
	ClassifyTicket  = "classify_ticket"
	ExtractMetadata = "extract_metadata"
	SearchKnowledge = "search_knowledge"
	QueryHistorical = "query_historical"
)

// HistoricalQuerier is the read side of the historical ticket store.
type HistoricalQuerier interface {
	Query(question string, limit int) []historical.Ticket
}

// TicketDeps are the collaborators of the ticket tools. Classifier and
// Extractor are separate clients so each can carry its own token budget.
type TicketDeps struct {
	Classifier llm.Client
	Extractor  llm.Client
	Model      string
	Knowledge  knowledge.Searcher
	Historical HistoricalQuerier
	Logger     *slog.Logger
}

// Payloads returned when the model call behind a tool fails. They carry
// an "error" field plus neutral values so the final answer can still be
// assembled.
var (
	classificationFallback = map[string]any{
		"error":         "Classification failed",
		"category":      "Unknown",
		"priority":      "P3-Medium",
		"assigned_team": "End User Support",
		"confidence":    0,
	}
	metadataFallback = map[string]any{
		"error":               "Extraction failed",
		"priority_score":      0.5,
		"urgency_level":       "Medium",
		"affected_systems":    []string{},
		"technical_keywords":  []string{},
		"user_impact":         "Single User",
		"requires_escalation": false,
	}
)

// RegisterTicketTools registers the four triage tools.
func RegisterTicketTools(r *Registry, deps TicketDeps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ticketText := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ticket_text": map[string]any{
				"type":        "string",
				"description": "The support ticket text",
			},
		},
		"required": []string{"ticket_text"},
	}

	r.Register(&Tool{
		Name:        ClassifyTicket,
		Description: "Classifies a support ticket into category, priority, and routing team. Use this FIRST for every ticket analysis.",
		Parameters:  ticketText,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return singleShot(ctx, deps, deps.Classifier, args, prompts.ClassificationPrompt, classificationFallback)
		},
	})

	r.Register(&Tool{
		Name:        ExtractMetadata,
		Description: "Extracts detailed metadata from a support ticket including priority score, urgency level, affected systems, technical keywords, user impact, and escalation requirements. Use after classification.",
		Parameters:  ticketText,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return singleShot(ctx, deps, deps.Extractor, args, prompts.MetadataPrompt, metadataFallback)
		},
	})

	r.Register(&Tool{
		Name:        SearchKnowledge,
		Description: "Searches the knowledge base for relevant articles, documentation, and solutions using semantic vector search. Returns top matching documents with titles and content excerpts.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query to find relevant knowledge base documentation",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if deps.Knowledge == nil {
				return "", errors.New("knowledge search is not configured")
			}
			query, _ := args["query"].(string)
			results, err := deps.Knowledge.Search(ctx, strings.TrimSpace(query), knowledge.DefaultLimit)
			if err != nil {
				return "", fmt.Errorf("knowledge search failed: %w", err)
			}
			if results == nil {
				results = []knowledge.Result{}
			}
			return marshalIndent(results)
		},
	})

	r.Register(&Tool{
		Name:        QueryHistorical,
		Description: "Queries historical resolved tickets using natural language to find similar past cases and their resolutions. Use this for complex P1/P2 issues or when additional context from past incidents would help.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": `Natural language question about historical tickets, e.g. "database outage" or "VPN connectivity issues"`,
				},
			},
			"required": []string{"question"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			if deps.Historical == nil {
				return "", errors.New("historical tickets are not configured")
			}
			question, _ := args["question"].(string)
			return marshalIndent(deps.Historical.Query(question, historical.DefaultLimit))
		},
	})
}

// singleShot sends one prompt built from ticket_text and returns the model's
// raw reply. A failed model call is not an error: the fallback payload is
// returned instead.
func singleShot(ctx context.Context, deps TicketDeps, client llm.Client, args map[string]any, prompt func(string) string, fallback map[string]any) (string, error) {
	text, _ := args["ticket_text"].(string)
	if strings.TrimSpace(text) == "" {
		return "", errors.New("ticket_text must not be empty")
	}
	if client == nil {
		return "", errors.New("language model is not configured")
	}

	resp, err := client.Chat(ctx, deps.Model, []llm.Message{
		{Role: llm.RoleUser, Content: prompt(text)},
	}, nil)
	if err != nil {
		deps.Logger.Error("tool model call failed",
			"thread", ThreadIDFromContext(ctx),
			"error", err,
		)
		return marshalIndent(fallback)
	}
	return resp.Message.Content, nil
}

func marshalIndent(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}
