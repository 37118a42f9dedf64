package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RomaniumSSS/lead-bot/internal/models"
)

type MemoryStorage struct {
	mu         sync.RWMutex
	nextLeadID int64
	nextMsgID  int64
	nextRecID  int64
	nextMeetID int64
	leads      map[int64]*models.Lead
	messages   []*models.ConversationMessage
	meetings   []*models.Meeting
	usage      []*models.LLMUsageRecord
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		leads: make(map[int64]*models.Lead),
	}
}

func copyLead(lead *models.Lead) *models.Lead {
	c := *lead
	return &c
}

func (s *MemoryStorage) GetLeadByTelegramID(ctx context.Context, telegramID int64) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, lead := range s.leads {
		if lead.TelegramID == telegramID {
			return copyLead(lead), nil
		}
	}
	return nil, ErrLeadNotFound
}

func (s *MemoryStorage) CreateLead(ctx context.Context, lead *models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Same uniqueness the schema enforces on telegram_id.
	for _, existing := range s.leads {
		if existing.TelegramID == lead.TelegramID {
			return ErrLeadExists
		}
	}

	s.nextLeadID++
	lead.ID = s.nextLeadID
	now := time.Now()
	lead.CreatedAt = now
	lead.UpdatedAt = now
	s.leads[lead.ID] = copyLead(lead)
	return nil
}

func (s *MemoryStorage) UpdateLead(ctx context.Context, lead *models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.leads[lead.ID]; !exists {
		return ErrLeadNotFound
	}
	lead.UpdatedAt = time.Now()
	s.leads[lead.ID] = copyLead(lead)
	return nil
}

func (s *MemoryStorage) ListFollowUpCandidates(ctx context.Context, maxFollowUps int) ([]*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var leads []*models.Lead
	for _, lead := range s.leads {
		if lead.Status.Active() && lead.FollowUpCount < maxFollowUps {
			leads = append(leads, copyLead(lead))
		}
	}

	sort.Slice(leads, func(i, j int) bool {
		return leads[i].LastActivityAt.Before(leads[j].LastActivityAt)
	})
	return leads, nil
}

func (s *MemoryStorage) ListExhaustedLeads(ctx context.Context, maxFollowUps int, inactiveSince time.Time) ([]*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var leads []*models.Lead
	for _, lead := range s.leads {
		if lead.Status.Active() && lead.FollowUpCount >= maxFollowUps &&
			lead.LastActivityAt.Before(inactiveSince) {
			leads = append(leads, copyLead(lead))
		}
	}

	sort.Slice(leads, func(i, j int) bool {
		return leads[i].LastActivityAt.Before(leads[j].LastActivityAt)
	})
	return leads, nil
}

func (s *MemoryStorage) CountLeadsByStatus(ctx context.Context) (map[models.LeadStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.LeadStatus]int)
	for _, lead := range s.leads {
		counts[lead.Status]++
	}
	return counts, nil
}

func (s *MemoryStorage) CountLeadsCreatedSince(ctx context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, lead := range s.leads {
		if !lead.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMsgID++
	msg.ID = s.nextMsgID
	msg.CreatedAt = time.Now()
	c := *msg
	s.messages = append(s.messages, &c)
	return nil
}

func (s *MemoryStorage) GetConversation(ctx context.Context, leadID int64, limit int) ([]*models.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []*models.ConversationMessage
	for _, msg := range s.messages {
		if msg.LeadID == leadID {
			c := *msg
			messages = append(messages, &c)
		}
	}

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *MemoryStorage) CreateMeeting(ctx context.Context, meeting *models.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMeetID++
	meeting.ID = s.nextMeetID
	meeting.CreatedAt = time.Now()
	c := *meeting
	s.meetings = append(s.meetings, &c)
	return nil
}

func (s *MemoryStorage) CountUpcomingMeetings(ctx context.Context, from time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, meeting := range s.meetings {
		if !meeting.ScheduledAt.Before(from) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) InsertUsageRecord(ctx context.Context, rec *models.LLMUsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRecID++
	rec.ID = s.nextRecID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	c := *rec
	s.usage = append(s.usage, &c)
	return nil
}

func (s *MemoryStorage) QueryUsageRecords(ctx context.Context, start, end time.Time) ([]*models.LLMUsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*models.LLMUsageRecord
	for _, rec := range s.usage {
		if !rec.CreatedAt.Before(start) && rec.CreatedAt.Before(end) {
			c := *rec
			records = append(records, &c)
		}
	}
	return records, nil
}

func (s *MemoryStorage) QueryUsageRecordsByLead(ctx context.Context, leadID int64) ([]*models.LLMUsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*models.LLMUsageRecord
	for _, rec := range s.usage {
		if rec.LeadID != nil && *rec.LeadID == leadID {
			c := *rec
			records = append(records, &c)
		}
	}
	return records, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
