package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caption-pipeline-go/internal/types"
)

func transcript(text string) types.Segment {
	return types.Segment{StreamID: "live-1", SequenceNo: 1, Payload: []byte(text)}
}

func TestStandardEnrich(t *testing.T) {
	raw := "Operator: One moment please.\nCaller: Hello, I need a refund for invoice 4417.\nPlease press 1 for billing."

	out, err := Standard{}.Enrich(context.Background(), transcript(raw))
	require.NoError(t, err)

	assert.Equal(t, StrategyStandard, out.Strategy)
	assert.Equal(t, "Operator: One moment please. Caller: Hello, I need a refund for invoice 4417.", out.Text)
	assert.Equal(t, "Hello, I need a refund for invoice 4417.", out.CallerText)
	assert.Equal(t, []string{"refund", "invoice"}, out.Entities.Keywords)
	require.NotNil(t, out.Hint)
	assert.Equal(t, "greeting detected", out.Hint.Reason)
	assert.Greater(t, out.Confidence, 0.0)
	assert.Less(t, out.Confidence, 1.0, "dropped boilerplate lowers confidence")
}

func TestStandardEnrichExtractsContacts(t *testing.T) {
	raw := "Caller: This is Priya Sharma, reach me at priya.sharma@example.com or +91 98765 43210."

	out, err := Standard{}.Enrich(context.Background(), transcript(raw))
	require.NoError(t, err)

	assert.Equal(t, []string{"priya.sharma@example.com"}, out.Entities.Emails)
	assert.Equal(t, []string{"+91 98765 43210"}, out.Entities.PhoneNumbers)
	assert.Equal(t, []string{"Priya Sharma"}, out.Entities.Names)
	require.NotNil(t, out.Hint)
	assert.Equal(t, "contact details captured", out.Hint.Reason)
}

func TestStandardEnrichVoiceoverOpening(t *testing.T) {
	raw := "Thank you for calling Acme support.\nYour call may be recorded."

	out, err := Standard{}.Enrich(context.Background(), transcript(raw))
	require.NoError(t, err)

	assert.Equal(t, "Your call may be recorded.", out.Text)
	assert.Empty(t, out.CallerText, "voiceover openings have no caller side")
}

func TestMultiLanguageTagsLanguage(t *testing.T) {
	out, err := MultiLanguage{}.Enrich(context.Background(), transcript("Caller: Привет, мне нужна помощь"))
	require.NoError(t, err)

	assert.Equal(t, StrategyMultiLanguage, out.Strategy)
	assert.Equal(t, "ru", out.Language)
	require.NotNil(t, out.Hint)
}

func TestDetectLanguage(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"english", "the quick brown fox", "en"},
		{"russian", "Привет мир", "ru"},
		{"japanese hiragana", "こんにちは", "ja"},
		{"japanese kana beats han majority", "日本語能力試験のご案内", "ja"},
		{"chinese", "你好世界", "zh"},
		{"korean", "안녕하세요", "ko"},
		{"arabic", "مرحبا بالعالم", "ar"},
		{"hindi", "नमस्ते दुनिया", "hi"},
		{"mixed kana wins", "ok 世界中の皆さん", "ja"},
		{"mixed han majority", "hello 世界世界世界", "zh"},
		{"mixed latin majority", "wonderful 世界", "en"},
		{"no letters", "12345 --- !!!", "und"},
		{"empty", "", "und"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, detectLanguage(tc.text))
		})
	}
}

func TestVoiceControlEnrich(t *testing.T) {
	out, err := VoiceControl{}.Enrich(context.Background(), transcript("Could you go to slide 4"))
	require.NoError(t, err)

	assert.Equal(t, StrategyVoiceControl, out.Strategy)
	require.NotNil(t, out.Command)
	assert.Equal(t, "goto_slide", out.Command.Name)
	assert.Equal(t, "4", out.Command.Argument)
	assert.Nil(t, out.Hint)

	out, err = VoiceControl{}.Enrich(context.Background(), transcript("just narration, nothing spoken as an instruction"))
	require.NoError(t, err)
	assert.Nil(t, out.Command)
}

func TestMatchCommand(t *testing.T) {
	cases := []struct {
		text string
		want *types.Command
	}{
		{"Next slide please", &types.Command{Name: "next_slide"}},
		{"previous slide", &types.Command{Name: "previous_slide"}},
		{"could you go to slide 12 now", &types.Command{Name: "goto_slide", Argument: "12"}},
		{"goto slide 3", &types.Command{Name: "goto_slide", Argument: "3"}},
		{"please pause for applause", &types.Command{Name: "pause"}},
		{"let's speed up a little", &types.Command{Name: "faster"}},
		{"you should slow down here", &types.Command{Name: "slower"}},
		{"we will continue with the demo", &types.Command{Name: "resume"}},
		{"menopause affects millions", nil},
		{"the scroll downtown maps", nil},
		{"nothing to see here", nil},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, matchCommand(tc.text))
		})
	}
}

func TestEnginesAreDeterministic(t *testing.T) {
	segIn := transcript("Caller: Hello, cancel my account upgrade.\nSome narration follows here.")
	for _, eng := range []Engine{Standard{}, MultiLanguage{}, VoiceControl{}} {
		a, err := eng.Enrich(context.Background(), segIn)
		require.NoError(t, err)
		b, err := eng.Enrich(context.Background(), segIn)
		require.NoError(t, err)
		assert.Equal(t, a, b, "identical input must produce identical output")
	}
}

func TestEnginesHonorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, eng := range []Engine{Standard{}, MultiLanguage{}, VoiceControl{}} {
		_, err := eng.Enrich(ctx, transcript("hello"))
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 1.0, confidence(10, 10))
	assert.Equal(t, 0.5, confidence(10, 5))
	assert.Equal(t, 0.0, confidence(0, 0))
	assert.Equal(t, 1.0, confidence(5, 10), "clamped at 1")
}
