package models

import (
	"fmt"
	"time"
)

type LeadStatus string

const (
	StatusNew              LeadStatus = "new"
	StatusQualified        LeadStatus = "qualified"
	StatusAwaitingFollowup LeadStatus = "awaiting_followup"
	StatusConverted        LeadStatus = "converted"
	StatusLost             LeadStatus = "lost"
)

// Active reports whether a lead in this status may still receive follow-ups.
func (s LeadStatus) Active() bool {
	return s != StatusConverted && s != StatusLost
}

// Lead represents a prospective customer being engaged in conversation
type Lead struct {
	ID             int64      `json:"id"`
	TelegramID     int64      `json:"telegram_id"`
	Username       string     `json:"username,omitempty"`
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	Status         LeadStatus `json:"status"`
	Task           string     `json:"task,omitempty"`
	Budget         string     `json:"budget,omitempty"`
	Deadline       string     `json:"deadline,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	FollowUpCount  int        `json:"follow_up_count"`

	// AwaitingMeetingTime marks that the next inbound message is expected
	// to name a meeting time.
	AwaitingMeetingTime bool `json:"awaiting_meeting_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l *Lead) DisplayName() string {
	switch {
	case l.FirstName != "":
		return l.FirstName
	case l.Username != "":
		return "@" + l.Username
	default:
		return fmt.Sprintf("User %d", l.TelegramID)
	}
}
