// Package analysis turns the agent's final free text into a structured
// ticket analysis. Synthesis never fails: output that cannot be parsed
// yields a degraded result carrying the raw text as its summary.
package analysis

import (
	"encoding/json"
	"errors"
	"strings"
)

// ComplexityUnknown is reported when the model gave no assessment.
const ComplexityUnknown = "unknown"

// ErrNoJSONObject is returned by ExtractJSONObject when text holds no
// brace-delimited span.
var ErrNoJSONObject = errors.New("no JSON object in text")

// Classification is the routing decision produced by classify_ticket.
type Classification struct {
	Category     string  `json:"category"`
	Priority     string  `json:"priority"`
	AssignedTeam string  `json:"assigned_team"`
	Confidence   float64 `json:"confidence"`
}

// Metadata is the triage metadata produced by extract_metadata.
type Metadata struct {
	PriorityScore      float64  `json:"priority_score"`
	UrgencyLevel       string   `json:"urgency_level"`
	AffectedSystems    []string `json:"affected_systems"`
	TechnicalKeywords  []string `json:"technical_keywords"`
	UserImpact         string   `json:"user_impact"`
	RequiresEscalation bool     `json:"requires_escalation"`
}

// KnowledgeArticle is a knowledge-base document the model found relevant.
type KnowledgeArticle struct {
	Title     string   `json:"title"`
	Relevance string   `json:"relevance"`
	KeySteps  []string `json:"key_steps"`
}

// HistoricalTicket is a similar resolved ticket cited by the model.
type HistoricalTicket struct {
	TicketID   string `json:"ticket_id"`
	Similarity string `json:"similarity"`
	Resolution string `json:"resolution"`
}

// Recommendations is the actionable part of an analysis.
type Recommendations struct {
	Summary                 string   `json:"summary"`
	ImmediateActions        []string `json:"immediate_actions"`
	ResolutionSteps         []string `json:"resolution_steps"`
	EstimatedResolutionTime string   `json:"estimated_resolution_time"`
	EscalationNeeded        bool     `json:"escalation_needed"`
}

// Result is the structured analysis of one final ai message. It is
// recomputed per request and never stored.
type Result struct {
	ThreadID             string             `json:"threadId,omitempty"`
	Classification       *Classification    `json:"classification"`
	Metadata             *Metadata          `json:"metadata"`
	KnowledgeArticles    []KnowledgeArticle `json:"knowledge_articles"`
	HistoricalTickets    []HistoricalTicket `json:"historical_tickets"`
	Recommendations      *Recommendations   `json:"recommendations"`
	ToolsUsed            []string           `json:"tools_used"`
	ComplexityAssessment string             `json:"complexity_assessment"`
	RawResponse          string             `json:"raw_response"`
	ProcessingTimeMS     int64              `json:"processing_time_ms"`

	// Degraded is set when the raw text could not be parsed.
	Degraded bool `json:"-"`
}

// ExtractJSONObject returns the span from the first '{' to the last '}'
// in text. The span is not guaranteed to be valid JSON.
func ExtractJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", ErrNoJSONObject
	}
	return text[start : end+1], nil
}

// Synthesize parses raw into a Result. Known fields that are missing or
// of the wrong shape take neutral defaults; when no JSON object can be
// parsed at all the degraded result is returned.
func Synthesize(raw string) Result {
	span, err := ExtractJSONObject(raw)
	if err != nil {
		return Fallback(raw)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(span), &fields); err != nil {
		return Fallback(raw)
	}

	res := Result{
		KnowledgeArticles:    []KnowledgeArticle{},
		HistoricalTickets:    []HistoricalTicket{},
		ToolsUsed:            []string{},
		ComplexityAssessment: ComplexityUnknown,
		RawResponse:          raw,
	}
	decodeField(fields, "classification", &res.Classification)
	decodeField(fields, "metadata", &res.Metadata)
	decodeField(fields, "knowledge_articles", &res.KnowledgeArticles)
	decodeField(fields, "historical_tickets", &res.HistoricalTickets)
	decodeField(fields, "recommendations", &res.Recommendations)
	decodeField(fields, "tools_used", &res.ToolsUsed)
	decodeField(fields, "complexity_assessment", &res.ComplexityAssessment)

	if res.KnowledgeArticles == nil {
		res.KnowledgeArticles = []KnowledgeArticle{}
	}
	if res.HistoricalTickets == nil {
		res.HistoricalTickets = []HistoricalTicket{}
	}
	if res.ToolsUsed == nil {
		res.ToolsUsed = []string{}
	}
	if res.ComplexityAssessment == "" {
		res.ComplexityAssessment = ComplexityUnknown
	}
	return res
}

// Fallback is the degraded result for text that holds no usable JSON.
func Fallback(raw string) Result {
	return Result{
		KnowledgeArticles: []KnowledgeArticle{},
		HistoricalTickets: []HistoricalTicket{},
		Recommendations: &Recommendations{
			Summary:                 raw,
			ImmediateActions:        []string{},
			ResolutionSteps:         []string{},
			EstimatedResolutionTime: "unknown",
		},
		ToolsUsed:            []string{},
		ComplexityAssessment: ComplexityUnknown,
		RawResponse:          raw,
		Degraded:             true,
	}
}

// decodeField unmarshals fields[key] into dst, leaving dst untouched when
// the key is absent or its value has the wrong shape.
func decodeField[T any](fields map[string]json.RawMessage, key string, dst *T) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}
	*dst = v
}
