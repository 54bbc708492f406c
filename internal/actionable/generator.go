package actionable

import (
	"strings"

	"caption-pipeline-go/internal/types"
)

// Suggest produces the teleprompter hint for a cleaned transcript fragment.
// Rules are evaluated top-down and the first match wins, which keeps the
// output deterministic for identical input.
func Suggest(text string, ents types.Entities) *types.Hint {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lower := strings.ToLower(text)

	if strings.Contains(lower, "hello") || strings.Contains(lower, "hi there") {
		return &types.Hint{
			Prompt: "Greet the caller warmly.",
			Reason: "greeting detected",
		}
	}
	if hasAny(ents.Keywords, "refund", "cancel", "escalate") {
		return &types.Hint{
			Prompt: "Acknowledge the concern and walk through the resolution path.",
			Reason: "escalation keyword present",
		}
	}
	if len(ents.Emails) > 0 || len(ents.PhoneNumbers) > 0 {
		return &types.Hint{
			Prompt: "Read the contact details back to the caller to confirm them.",
			Reason: "contact details captured",
		}
	}
	return &types.Hint{
		Prompt: "Please verify the caller's details.",
		Reason: "default guidance",
	}
}

func hasAny(keywords []string, wanted ...string) bool {
	for _, k := range keywords {
		for _, w := range wanted {
			if k == w {
				return true
			}
		}
	}
	return false
}
