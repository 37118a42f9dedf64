package llm

import (
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/RomaniumSSS/lead-bot/internal/models"
)

func testGenerator() *OpenAIGenerator {
	return NewOpenAIGenerator("test-key", "test-model", 256, 0.7,
		"Acme Studio", "We build web products.", zap.NewNop())
}

func TestParseReply(t *testing.T) {
	g := testGenerator()
	lead := &models.Lead{ID: 1, Status: models.StatusNew}

	t.Run("well-formed JSON", func(t *testing.T) {
		result := &Result{}
		g.parseReply(`{"response":"Sure, tell me more.","status":"qualified","action":"schedule_meeting","reasoning":"clear task and budget"}`, lead, result)

		if result.Text != "Sure, tell me more." {
			t.Errorf("unexpected text: %q", result.Text)
		}
		if result.Status != models.StatusQualified {
			t.Errorf("unexpected status: %q", result.Status)
		}
		if result.Action != ActionScheduleMeeting {
			t.Errorf("unexpected action: %q", result.Action)
		}
	})

	t.Run("non-JSON falls back to raw text and keeps the current status", func(t *testing.T) {
		result := &Result{}
		g.parseReply("Sure, tell me more.", lead, result)

		if result.Text != "Sure, tell me more." {
			t.Errorf("unexpected text: %q", result.Text)
		}
		if result.Status != models.StatusNew {
			t.Errorf("unexpected status: %q", result.Status)
		}
		if result.Action != ActionContinue {
			t.Errorf("unexpected action: %q", result.Action)
		}
	})

	t.Run("unknown status keeps the lead's current one", func(t *testing.T) {
		qualified := &models.Lead{ID: 2, Status: models.StatusQualified}
		result := &Result{}
		g.parseReply(`{"response":"ok","status":"lukewarm","action":"continue"}`, qualified, result)

		if result.Status != models.StatusQualified {
			t.Errorf("unexpected status: %q", result.Status)
		}
	})

	t.Run("unknown action degrades to continue", func(t *testing.T) {
		result := &Result{}
		g.parseReply(`{"response":"ok","status":"new","action":"escalate"}`, lead, result)

		if result.Action != ActionContinue {
			t.Errorf("unexpected action: %q", result.Action)
		}
	})
}

func TestExtractUsage(t *testing.T) {
	t.Run("cached prompt tokens are split out of the input count", func(t *testing.T) {
		usage := extractUsage(openai.Usage{
			PromptTokens:     1000,
			CompletionTokens: 200,
			PromptTokensDetails: &openai.PromptTokensDetails{
				CachedTokens: 400,
			},
		})

		if usage.InputTokens != 600 {
			t.Errorf("input tokens = %d, want 600", usage.InputTokens)
		}
		if usage.CacheReadTokens != 400 {
			t.Errorf("cache read tokens = %d, want 400", usage.CacheReadTokens)
		}
		if usage.OutputTokens != 200 {
			t.Errorf("output tokens = %d, want 200", usage.OutputTokens)
		}
		if usage.CacheWriteTokens != 0 {
			t.Errorf("cache write tokens = %d, want 0", usage.CacheWriteTokens)
		}
	})

	t.Run("no cache details", func(t *testing.T) {
		usage := extractUsage(openai.Usage{PromptTokens: 50, CompletionTokens: 10})
		if usage.InputTokens != 50 || usage.CacheReadTokens != 0 {
			t.Errorf("unexpected usage: %+v", usage)
		}
	})
}

func TestParseMeetingTime(t *testing.T) {
	t.Run("RFC 3339 timestamp", func(t *testing.T) {
		when, err := ParseMeetingTime("2025-06-02T15:00:00Z")
		if err != nil {
			t.Fatalf("ParseMeetingTime: %v", err)
		}
		want := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
		if !when.Equal(want) {
			t.Errorf("got %v, want %v", when, want)
		}
	})

	t.Run("quoted and padded output is tolerated", func(t *testing.T) {
		when, err := ParseMeetingTime("  \"2025-06-02T15:00:00Z\"\n")
		if err != nil {
			t.Fatalf("ParseMeetingTime: %v", err)
		}
		if when.Hour() != 15 {
			t.Errorf("unexpected time: %v", when)
		}
	})

	t.Run("the unclear literal", func(t *testing.T) {
		if _, err := ParseMeetingTime("unclear"); !errors.Is(err, ErrTimeUnclear) {
			t.Errorf("want ErrTimeUnclear, got %v", err)
		}
	})

	t.Run("free text the model failed to convert", func(t *testing.T) {
		if _, err := ParseMeetingTime("sometime next week maybe"); !errors.Is(err, ErrTimeUnclear) {
			t.Errorf("want ErrTimeUnclear, got %v", err)
		}
	})
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limit", 429, true},
		{"server error", 500, true},
		{"bad gateway", 502, true},
		{"invalid credentials", 401, false},
		{"bad request", 400, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyError(&openai.APIError{HTTPStatusCode: tc.status})
			if IsTransient(err) != tc.transient {
				t.Errorf("status %d: transient = %v, want %v", tc.status, IsTransient(err), tc.transient)
			}
		})
	}
}
