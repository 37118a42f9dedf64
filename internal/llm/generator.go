package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RomaniumSSS/lead-bot/internal/models"
)

// ErrTransient marks failures worth retrying on a later cycle (rate
// limits, timeouts, provider 5xx). Anything else is treated as permanent.
var ErrTransient = errors.New("transient llm failure")

// ErrTimeUnclear means a time_parsing completion named no usable moment.
var ErrTimeUnclear = errors.New("no usable meeting time in reply")

// timeUnclear is the literal a time_parsing prompt asks the model to
// output when the prospect's answer names no time.
const timeUnclear = "unclear"

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Request carries the lead context an invocation is generated from.
type Request struct {
	Purpose models.Purpose
	Lead    *models.Lead
	History []*models.ConversationMessage
	// Message is the latest inbound text, used by free_chat.
	Message string
}

// Result is one completed invocation with the usage metadata the provider
// reported for it.
type Result struct {
	Text  string
	Model string
	Usage models.TokenUsage

	// Qualification outcome, populated for free_chat only.
	Status models.LeadStatus
	Action string
}

const (
	ActionContinue        = "continue"
	ActionScheduleMeeting = "schedule_meeting"
	ActionSendMaterials   = "send_materials"
)

type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// ParseMeetingTime interprets a time_parsing completion: either an
// RFC 3339 timestamp or the "unclear" literal.
func ParseMeetingTime(text string) (time.Time, error) {
	text = strings.TrimSpace(strings.Trim(strings.TrimSpace(text), "\"`"))
	if strings.EqualFold(text, timeUnclear) {
		return time.Time{}, ErrTimeUnclear
	}
	ts, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrTimeUnclear, text)
	}
	return ts, nil
}
