package engine

import (
	"context"
	"regexp"
	"strings"

	"caption-pipeline-go/internal/extractor"
	"caption-pipeline-go/internal/types"
)

// VoiceControl recognizes teleprompter commands spoken by the presenter.
// Matching is a fixed phrase table so identical transcripts always resolve
// to the same command.
type VoiceControl struct{}

// commandPhrases is checked in order; longer phrases come first so
// "next slide please" never matches a shorter prefix by accident.
var commandPhrases = []struct {
	phrase string
	name   string
}{
	{"previous slide", "previous_slide"},
	{"next slide", "next_slide"},
	{"scroll down", "scroll_down"},
	{"scroll up", "scroll_up"},
	{"slow down", "slower"},
	{"speed up", "faster"},
	{"continue", "resume"},
	{"resume", "resume"},
	{"slower", "slower"},
	{"faster", "faster"},
	{"pause", "pause"},
}

var gotoSlideRe = regexp.MustCompile(`\bgo(?: to|to) slide (\d+)\b`)

func (VoiceControl) Enrich(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
	if err := ctx.Err(); err != nil {
		return types.EnrichedContent{}, err
	}

	raw := seg.Text()
	cleaned := extractor.Clean(raw)

	return types.EnrichedContent{
		Strategy:   StrategyVoiceControl,
		Text:       cleaned,
		Command:    matchCommand(cleaned),
		Confidence: confidence(len(raw), len(cleaned)),
	}, nil
}

func matchCommand(text string) *types.Command {
	lower := strings.ToLower(text)
	if m := gotoSlideRe.FindStringSubmatch(lower); m != nil {
		return &types.Command{Name: "goto_slide", Argument: m[1]}
	}
	for _, c := range commandPhrases {
		if containsPhrase(lower, c.phrase) {
			return &types.Command{Name: c.name}
		}
	}
	return nil
}

// containsPhrase matches whole words only, so "pause" does not fire on
// "menopause" showing up in a transcript.
func containsPhrase(text, phrase string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		leftOK := i == 0 || !isWordByte(text[i-1])
		rightOK := end == len(text) || !isWordByte(text[end])
		if leftOK && rightOK {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
