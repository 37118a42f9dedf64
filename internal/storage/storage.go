package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RomaniumSSS/lead-bot/internal/models"
)

var (
	ErrLeadNotFound = errors.New("lead not found")
	ErrLeadExists   = errors.New("lead already exists")
)

type LeadStorage interface {
	GetLeadByTelegramID(ctx context.Context, telegramID int64) (*models.Lead, error)
	CreateLead(ctx context.Context, lead *models.Lead) error
	UpdateLead(ctx context.Context, lead *models.Lead) error

	// ListFollowUpCandidates returns leads that are neither converted nor
	// lost and have received fewer than maxFollowUps follow-ups.
	ListFollowUpCandidates(ctx context.Context, maxFollowUps int) ([]*models.Lead, error)

	// ListExhaustedLeads returns still-active leads whose follow-ups are
	// exhausted and whose last activity predates inactiveSince.
	ListExhaustedLeads(ctx context.Context, maxFollowUps int, inactiveSince time.Time) ([]*models.Lead, error)

	CountLeadsByStatus(ctx context.Context) (map[models.LeadStatus]int, error)
	CountLeadsCreatedSince(ctx context.Context, since time.Time) (int, error)
}

type ConversationStorage interface {
	AppendMessage(ctx context.Context, msg *models.ConversationMessage) error
	GetConversation(ctx context.Context, leadID int64, limit int) ([]*models.ConversationMessage, error)
}

type MeetingStorage interface {
	CreateMeeting(ctx context.Context, meeting *models.Meeting) error
	CountUpcomingMeetings(ctx context.Context, from time.Time) (int, error)
}

type UsageStorage interface {
	// InsertUsageRecord appends one immutable record; it is never updated
	// or deduplicated.
	InsertUsageRecord(ctx context.Context, rec *models.LLMUsageRecord) error
	QueryUsageRecords(ctx context.Context, start, end time.Time) ([]*models.LLMUsageRecord, error)
	QueryUsageRecordsByLead(ctx context.Context, leadID int64) ([]*models.LLMUsageRecord, error)
}

type Storage interface {
	LeadStorage
	ConversationStorage
	MeetingStorage
	UsageStorage
	Close() error
}
