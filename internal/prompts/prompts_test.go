package prompts

import (
	"strings"
	"testing"
)

func TestTicketPrompts(t *testing.T) {
	ticket := "VPN drops every ten minutes for the whole sales floor"

	tests := []struct {
		name   string
		prompt string
		want   []string
	}{
		{
			name:   "classification",
			prompt: ClassificationPrompt(ticket),
			want:   []string{ticket, "category", "priority", "assigned_team", "confidence", "P1-Critical"},
		},
		{
			name:   "metadata",
			prompt: MetadataPrompt(ticket),
			want:   []string{ticket, "priority_score", "urgency_level", "affected_systems", "requires_escalation"},
		},
		{
			name:   "analyze",
			prompt: AnalyzeRequest(ticket),
			want:   []string{"Analyze this support ticket", ticket},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, w := range tt.want {
				if !strings.Contains(tt.prompt, w) {
					t.Errorf("prompt missing %q", w)
				}
			}
		})
	}
}

func TestSystemPrompt_NamesEveryTool(t *testing.T) {
	p := SystemPrompt()
	for _, name := range []string{"classify_ticket", "extract_metadata", "search_knowledge", "query_historical"} {
		if !strings.Contains(p, name) {
			t.Errorf("system prompt does not mention %s", name)
		}
	}
	if !strings.Contains(p, `"complexity_assessment"`) {
		t.Error("system prompt should describe the final JSON shape")
	}
}
