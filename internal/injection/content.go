// Package injection implements the two-mode (direct/next-request)
// completion-result re-injection router: it turns a finished
// completion's content into a follow-up prompt, gated by the circuit
// breaker and a recursion guard against re-injecting injected results.
package injection

import (
	"fmt"
	"strings"
)

// Position controls where injected content lands in the next prompt.
type Position string

const (
	PositionPrepend        Position = "prepend"
	PositionPostscript     Position = "postscript"
	PositionSystemReminder Position = "system_reminder"
	PositionBeforePrompt   Position = "before_prompt"
	PositionAfterPrompt    Position = "after_prompt"
)

// isBefore reports whether pos should be applied ahead of the base
// prompt text.
func isBefore(pos Position) bool {
	switch pos {
	case PositionPrepend, PositionBeforePrompt, PositionSystemReminder:
		return true
	default:
		return false
	}
}

// ComposeContent builds the text that gets inserted into a follow-up
// prompt, wrapping it in a "system-reminder" boilerplate for
// PositionSystemReminder and leaving other positions as plain text plus
// the trigger/guidance framing.
func ComposeContent(pos Position, triggerType, guidance, content string) string {
	body := strings.TrimSpace(content)
	switch pos {
	case PositionSystemReminder:
		var sb strings.Builder
		sb.WriteString("<system-reminder>\n")
		if triggerType != "" {
			fmt.Fprintf(&sb, "trigger: %s\n", triggerType)
		}
		if guidance != "" {
			sb.WriteString(guidance)
			sb.WriteString("\n")
		}
		sb.WriteString(body)
		sb.WriteString("\n</system-reminder>")
		return sb.String()
	default:
		var sb strings.Builder
		if guidance != "" {
			sb.WriteString(guidance)
			sb.WriteString("\n")
		}
		sb.WriteString(body)
		return sb.String()
	}
}

// ApplyToPrompt inserts composed content into prompt at pos.
func ApplyToPrompt(prompt, composed string, pos Position) string {
	if composed == "" {
		return prompt
	}
	if isBefore(pos) {
		if prompt == "" {
			return composed
		}
		return composed + "\n\n" + prompt
	}
	if prompt == "" {
		return composed
	}
	return prompt + "\n\n" + composed
}
