// Package extractor pulls structure out of raw transcript text: contact
// entities, probable names, domain keywords, plus the hold-script cleanup the
// display layer never wants to show. Everything here is deterministic on the
// input text; engines rely on that for cache-key soundness.
package extractor

import (
	"regexp"
	"strings"
	"unicode"

	"caption-pipeline-go/internal/types"
)

var (
	emailRe = regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w+`)
	phoneRe = regexp.MustCompile(`\+?\d[\d \-()]{7,}\d`)
	// Two or more capitalized words in a row, e.g. "Priya Sharma".
	nameRe = regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)+\b`)
)

// Hold scripts and IVR boilerplate stripped before display.
var unwantedPhrases = []string{
	"Thank you for calling",
	"Please press",
	"You have an incoming call",
	"Our office is currently closed",
	"Welcome to the",
	"Please leave a message",
}

// Domain keywords surfaced as entities when they appear in a segment.
var domainKeywords = []string{
	"refund", "payment", "pricing", "invoice", "delivery",
	"verification", "account", "cancel", "upgrade", "escalate",
}

// Extract returns all entities found in text, each list deduplicated in
// first-seen order so repeated extraction yields identical results.
func Extract(text string) types.Entities {
	return types.Entities{
		Emails:       dedupe(emailRe.FindAllString(text, -1)),
		PhoneNumbers: dedupe(phoneRe.FindAllString(text, -1)),
		Names:        dedupe(nameRe.FindAllString(text, -1)),
		Keywords:     matchKeywords(text),
	}
}

// Clean removes hold-script lines and collapses the rest to single-spaced
// text.
func Clean(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if startsWithAny(line, unwantedPhrases) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, " ")
}

// CallerText extracts the caller's side of the conversation. An operator
// voiceover opening marks the whole fragment as hold-script audio and yields
// nothing. Otherwise "Caller:" labelled lines are collected with the label
// stripped, and fully unlabelled text is assumed to be the caller speaking.
func CallerText(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToLower(trimmed), "thank you for calling") {
		return ""
	}
	var callerLines []string
	labelled := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Caller:") {
			labelled = true
			callerLines = append(callerLines, strings.TrimSpace(strings.TrimPrefix(line, "Caller:")))
		}
	}
	if labelled {
		return strings.Join(callerLines, " ")
	}
	return trimmed
}

func matchKeywords(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, kw := range domainKeywords {
		if containsWord(lower, kw) {
			found = append(found, kw)
		}
	}
	return found
}

// containsWord reports whether w occurs in s on word boundaries, so "cancel"
// does not fire on "cancellation-free".
func containsWord(s, w string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], w)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(w)
		beforeOK := start == 0 || !isWordRune(rune(s[start-1]))
		afterOK := end == len(s) || !isWordRune(rune(s[end]))
		if beforeOK && afterOK {
			return true
		}
		i = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func startsWithAny(line string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
