package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/RomaniumSSS/lead-bot/internal/models"
	"github.com/RomaniumSSS/lead-bot/internal/storage"
)

// ModelRates holds per-million-token prices in integer cents for one model.
type ModelRates struct {
	InputCentsPerMillion      int64
	OutputCentsPerMillion     int64
	CacheWriteCentsPerMillion int64
	CacheReadCentsPerMillion  int64
}

// Pricing maps model identifiers to their rates. DefaultModel names the
// entry used for models missing from the table.
type Pricing struct {
	Models       map[string]ModelRates
	DefaultModel string
}

// Ledger records cost-relevant metadata for every LLM call and answers
// aggregate usage queries. Recording is best-effort: a failed persist is
// logged and never surfaced to the invocation path.
type Ledger struct {
	store   storage.UsageStorage
	pricing Pricing
	logger  *zap.Logger
}

func New(store storage.UsageStorage, pricing Pricing, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:   store,
		pricing: pricing,
		logger:  logger,
	}
}

// componentCost prices one token category. Integer arithmetic only,
// truncated toward zero; categories are never merged before costing
// because their rates differ.
func componentCost(tokens int, centsPerMillion int64) int64 {
	return int64(tokens) * centsPerMillion / 1_000_000
}

func (l *Ledger) rates(model string) ModelRates {
	if r, ok := l.pricing.Models[model]; ok {
		return r
	}
	l.logger.Warn("no pricing entry for model, falling back to default",
		zap.String("model", model),
		zap.String("default_model", l.pricing.DefaultModel))
	return l.pricing.Models[l.pricing.DefaultModel]
}

// RecordUsage persists one immutable usage record for a completed LLM
// call. Invalid input (unknown purpose, negative token counts) is
// rejected with an error the caller is expected to log and ignore.
func (l *Ledger) RecordUsage(ctx context.Context, model string, purpose models.Purpose, usage models.TokenUsage, leadID *int64) error {
	if !purpose.Valid() {
		return fmt.Errorf("ledger: unknown purpose tag %q", purpose)
	}
	if usage.InputTokens < 0 || usage.OutputTokens < 0 ||
		usage.CacheWriteTokens < 0 || usage.CacheReadTokens < 0 {
		return fmt.Errorf("ledger: negative token count in usage %+v", usage)
	}

	rates := l.rates(model)

	rec := &models.LLMUsageRecord{
		LeadID:              leadID,
		Model:               model,
		Purpose:             purpose,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheWriteTokens:    usage.CacheWriteTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CostInputCents:      componentCost(usage.InputTokens, rates.InputCentsPerMillion),
		CostOutputCents:     componentCost(usage.OutputTokens, rates.OutputCentsPerMillion),
		CostCacheWriteCents: componentCost(usage.CacheWriteTokens, rates.CacheWriteCentsPerMillion),
		CostCacheReadCents:  componentCost(usage.CacheReadTokens, rates.CacheReadCentsPerMillion),
	}
	rec.TotalCostCents = rec.CostInputCents + rec.CostOutputCents +
		rec.CostCacheWriteCents + rec.CostCacheReadCents

	if err := l.store.InsertUsageRecord(ctx, rec); err != nil {
		// Usage tracking must not break the calling path.
		l.logger.Error("failed to persist usage record",
			zap.Error(err),
			zap.String("model", model),
			zap.String("purpose", string(purpose)))
		return nil
	}

	if rec.TotalCostCents > 0 {
		l.logger.Info("llm usage recorded",
			zap.String("purpose", string(purpose)),
			zap.Int("tokens", usage.InputTokens+usage.OutputTokens),
			zap.Int64("cost_cents", rec.TotalCostCents),
			zap.Bool("cache_hit", usage.CacheReadTokens > 0))
	}

	return nil
}
