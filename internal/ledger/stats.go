package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/RomaniumSSS/lead-bot/internal/models"
)

type GroupBy string

const (
	GroupByNone    GroupBy = ""
	GroupByModel   GroupBy = "model"
	GroupByPurpose GroupBy = "purpose"
)

// Stats is one aggregate bucket over a set of usage records.
type Stats struct {
	Requests         int     `json:"requests"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	TotalCostCents   int64   `json:"total_cost_cents"`
	CacheHitRatio    float64 `json:"cache_hit_ratio"`
}

func (s *Stats) add(rec *models.LLMUsageRecord) {
	s.Requests++
	s.InputTokens += int64(rec.InputTokens)
	s.OutputTokens += int64(rec.OutputTokens)
	s.CacheWriteTokens += int64(rec.CacheWriteTokens)
	s.CacheReadTokens += int64(rec.CacheReadTokens)
	s.TotalCostCents += rec.TotalCostCents
}

func (s *Stats) finalize() {
	denom := s.InputTokens + s.CacheReadTokens
	if denom > 0 {
		s.CacheHitRatio = float64(s.CacheReadTokens) / float64(denom)
	}
}

// AggregateStats is the window-wide total plus optional per-group buckets.
type AggregateStats struct {
	Stats
	Groups map[string]*Stats `json:"groups,omitempty"`
}

// AggregateStats sums usage over [start, end). An empty window yields
// zeroed aggregates, not an error.
func (l *Ledger) AggregateStats(ctx context.Context, start, end time.Time, groupBy GroupBy) (*AggregateStats, error) {
	switch groupBy {
	case GroupByNone, GroupByModel, GroupByPurpose:
	default:
		return nil, fmt.Errorf("ledger: unknown grouping dimension %q", groupBy)
	}

	records, err := l.store.QueryUsageRecords(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying usage window: %w", err)
	}

	agg := &AggregateStats{}
	if groupBy != GroupByNone {
		agg.Groups = make(map[string]*Stats)
	}

	for _, rec := range records {
		agg.add(rec)

		if groupBy == GroupByNone {
			continue
		}
		key := rec.Model
		if groupBy == GroupByPurpose {
			key = string(rec.Purpose)
		}
		bucket, ok := agg.Groups[key]
		if !ok {
			bucket = &Stats{}
			agg.Groups[key] = bucket
		}
		bucket.add(rec)
	}

	agg.finalize()
	for _, bucket := range agg.Groups {
		bucket.finalize()
	}

	return agg, nil
}

// LeadStats sums all usage attributed to one lead.
func (l *Ledger) LeadStats(ctx context.Context, leadID int64) (*Stats, error) {
	records, err := l.store.QueryUsageRecordsByLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying lead usage: %w", err)
	}

	stats := &Stats{}
	for _, rec := range records {
		stats.add(rec)
	}
	stats.finalize()
	return stats, nil
}

// DayWindow returns [midnight UTC of now's day, now].
func DayWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, now
}

// WeekWindow returns the trailing seven days ending at now.
func WeekWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	return now.AddDate(0, 0, -7), now
}
