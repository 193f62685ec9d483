package prompts

import "fmt"

// classificationTemplate asks for routing fields only. The single format
// verb is the ticket text.
const classificationTemplate = `Classify the following IT support ticket. Return ONLY valid JSON with these fields:
- category: one of [Hardware, Software, Network, Security, Database, Cloud, Access Management, Email, Monitoring, Service Request]
- priority: one of [P1-Critical, P2-High, P3-Medium, P4-Low]
- assigned_team: one of [Infrastructure, Applications, Security, End User Support, IAM, Database, Cloud, Network, Email]
- confidence: a number between 0.0 and 1.0

Ticket: %s`

// ClassificationPrompt returns the single-shot prompt used by the
// classify_ticket tool.
func ClassificationPrompt(ticketText string) string {
	return fmt.Sprintf(classificationTemplate, ticketText)
}

// metadataTemplate asks for triage metadata. The single format verb is the
// ticket text.
const metadataTemplate = `Extract detailed metadata from the following IT support ticket. Return ONLY valid JSON with these fields:
- priority_score: number between 0.0 and 1.0 (0.9+ = Critical, 0.7-0.9 = High, 0.4-0.7 = Medium, below 0.4 = Low)
- urgency_level: one of [Critical, High, Medium, Low]
- affected_systems: array of system names affected
- technical_keywords: array of relevant technical terms
- user_impact: one of [Single User, Multiple Users, Department, Organization]
- requires_escalation: boolean

Ticket: %s`

// MetadataPrompt returns the single-shot prompt used by the
// extract_metadata tool.
func MetadataPrompt(ticketText string) string {
	return fmt.Sprintf(metadataTemplate, ticketText)
}
