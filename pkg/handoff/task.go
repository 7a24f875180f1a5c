package handoff

import (
	"fmt"
	"strings"
	"time"

	"github.com/aixgo-dev/advisor/pkg/session"
)

// TaskBody renders the follow-up task an advisor receives.
func TaskBody(a *Attempt, transcript []session.Turn) string {
	var sb strings.Builder

	summary := strings.TrimSpace(a.Brief.Summary)
	if summary == "" {
		summary = "(no summary provided)"
	}
	fmt.Fprintf(&sb, "Advisor handoff for %s\n", a.Actor)
	fmt.Fprintf(&sb, "Session: %s\n", a.Session)
	fmt.Fprintf(&sb, "Preferred contact time: %s\n\n", timingOrDefault(a.Timing))
	fmt.Fprintf(&sb, "Summary:\n%s\n", summary)

	if len(a.Brief.Topics) > 0 {
		fmt.Fprintf(&sb, "\nTopics: %s\n", strings.Join(a.Brief.Topics, ", "))
	}
	if len(a.Brief.Concerns) > 0 {
		sb.WriteString("\nConcerns:\n")
		for _, c := range a.Brief.Concerns {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}

	sb.WriteString("\nTranscript:\n")
	if len(transcript) == 0 {
		sb.WriteString("(no transcript available)\n")
	}
	for _, t := range transcript {
		speaker := "Student"
		if t.Role == session.RoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", t.CreatedAt.UTC().Format(time.RFC3339), speaker, t.Content)
	}
	fmt.Fprintf(&sb, "\nReference: %s\n", a.IdempotencyKey)
	return sb.String()
}

// MessageBody renders the outbound message sent to the student.
func MessageBody(a *Attempt) string {
	return fmt.Sprintf(
		"Thanks for chatting with us! An admissions advisor will reach out %s to continue the conversation.",
		timingOrDefault(a.Timing),
	)
}

func timingOrDefault(t string) string {
	if strings.TrimSpace(t) == "" {
		return DefaultTiming
	}
	return t
}
