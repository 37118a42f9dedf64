package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/RomaniumSSS/lead-bot/internal/ledger"
	"github.com/RomaniumSSS/lead-bot/internal/llm"
	"github.com/RomaniumSSS/lead-bot/internal/metrics"
	"github.com/RomaniumSSS/lead-bot/internal/models"
	"github.com/RomaniumSSS/lead-bot/internal/storage"
)

// Messenger is the outbound transport the scheduler sends follow-ups
// through. Sends are not idempotent on the collaborator side.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	Interval    time.Duration
	Thresholds  []time.Duration
	LLMTimeout  time.Duration
	SendTimeout time.Duration
	MarkLost    bool
}

func (c Config) maxFollowUps() int { return len(c.Thresholds) }

// CycleSummary is what one RunCycle pass did.
type CycleSummary struct {
	Scanned    int
	Sent       int
	Repaired   int
	MarkedLost int
	Errors     int
}

// Scheduler periodically re-engages silent leads, at most one follow-up
// per (lead, tier). Each lead's generate-send-increment sequence is one
// unit of work; leads are processed sequentially.
type Scheduler struct {
	store     storage.LeadStorage
	generator llm.Generator
	messenger Messenger
	ledger    *ledger.Ledger
	guard     SendGuard
	cfg       Config
	logger    *zap.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	now    func() time.Time
}

func New(store storage.LeadStorage, generator llm.Generator, messenger Messenger, usageLedger *ledger.Ledger, guard SendGuard, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if len(cfg.Thresholds) == 0 {
		return nil, fmt.Errorf("scheduler: at least one threshold is required")
	}
	for i := 1; i < len(cfg.Thresholds); i++ {
		if cfg.Thresholds[i] <= cfg.Thresholds[i-1] {
			return nil, fmt.Errorf("scheduler: thresholds must be strictly increasing")
		}
	}
	if guard == nil {
		guard = NoopGuard{}
	}

	return &Scheduler{
		store:     store,
		generator: generator,
		messenger: messenger,
		ledger:    usageLedger,
		guard:     guard,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Start launches the periodic cycle. A tick that arrives while the
// previous cycle is still running is skipped.
func (s *Scheduler) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		if _, err := s.RunCycle(ctx); err != nil {
			s.logger.Error("follow-up cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("scheduler: registering cycle job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("follow-up scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("tiers", s.cfg.maxFollowUps()))
	return nil
}

// Stop cancels the loop and waits until the in-flight cycle reaches a
// lead boundary and the cron job returns.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("follow-up scheduler stopped")
}

// RunCycle scans follow-up candidates once and processes each eligible
// lead. A candidate-query failure aborts only this cycle; per-lead
// failures are logged and do not stop the remaining leads.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleSummary, error) {
	var summary CycleSummary
	now := s.now()

	metrics.SchedulerCyclesTotal.Inc()

	candidates, err := s.store.ListFollowUpCandidates(ctx, s.cfg.maxFollowUps())
	if err != nil {
		return summary, fmt.Errorf("scheduler: listing candidates: %w", err)
	}
	summary.Scanned = len(candidates)

	for _, lead := range candidates {
		if ctx.Err() != nil {
			break
		}

		tier := lead.FollowUpCount
		if now.Sub(lead.LastActivityAt) < s.cfg.Thresholds[tier] {
			continue
		}

		sent, repaired, err := s.processLead(ctx, lead, now)
		if err != nil {
			summary.Errors++
			metrics.FollowUpErrorsTotal.Inc()
			s.logger.Error("follow-up unit failed",
				zap.Error(err),
				zap.Int64("lead_id", lead.ID),
				zap.Int("tier", tier+1),
				zap.Bool("transient", llm.IsTransient(err)))
			continue
		}
		if sent {
			summary.Sent++
			metrics.FollowUpsSentTotal.Inc()
		}
		if repaired {
			summary.Repaired++
		}
	}

	if s.cfg.MarkLost && ctx.Err() == nil {
		lost, err := s.markExhaustedLost(ctx, now)
		summary.MarkedLost = lost
		if err != nil {
			summary.Errors++
			s.logger.Error("marking exhausted leads lost failed", zap.Error(err))
		}
	}

	s.logger.Info("follow-up cycle finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("sent", summary.Sent),
		zap.Int("repaired", summary.Repaired),
		zap.Int("marked_lost", summary.MarkedLost),
		zap.Int("errors", summary.Errors))

	return summary, ctx.Err()
}

// processLead runs one lead's follow-up unit: generate, send, then
// increment. The counter moves only after a successful send, so a failed
// send keeps the same tier eligible next cycle. The usage record is
// written last and regardless of send outcome, since the cost was
// incurred when the LLM responded.
func (s *Scheduler) processLead(ctx context.Context, lead *models.Lead, now time.Time) (sent, repaired bool, err error) {
	tier := lead.FollowUpCount

	genCtx, cancelGen := context.WithTimeout(ctx, s.cfg.LLMTimeout)
	result, err := s.generator.Generate(genCtx, llm.Request{
		Purpose: models.PurposeFollowUp,
		Lead:    lead,
	})
	cancelGen()
	if err != nil {
		return false, false, fmt.Errorf("generating follow-up: %w", err)
	}

	// The marker is taken at the messaging boundary: it may only exist
	// once a send for this tier was actually attempted, so a repair can
	// never consume a tier that no message ever went out for.
	acquired, guardErr := s.guard.Acquire(ctx, lead.ID, tier)
	if guardErr != nil {
		// Guard trouble degrades to at-least-once, it never blocks a send.
		s.logger.Warn("send guard unavailable, proceeding without it",
			zap.Error(guardErr),
			zap.Int64("lead_id", lead.ID))
		acquired = true
	} else if !acquired {
		// A previous process sent this tier and crashed before the
		// increment. Apply the increment without resending; the freshly
		// generated text is discarded but its cost was incurred.
		s.logger.Warn("send marker already present, repairing counter without resend",
			zap.Int64("lead_id", lead.ID),
			zap.Int("tier", tier+1))
		s.recordUsage(lead, result)
		if err := s.advanceLead(ctx, lead, now); err != nil {
			return false, false, err
		}
		return false, true, nil
	}

	sendCtx, cancelSend := context.WithTimeout(ctx, s.cfg.SendTimeout)
	sendErr := s.messenger.SendMessage(sendCtx, lead.TelegramID, result.Text)
	cancelSend()

	if sendErr != nil {
		s.releaseGuard(lead.ID, tier)
		s.recordUsage(lead, result)
		return false, false, fmt.Errorf("sending follow-up: %w", sendErr)
	}

	if err := s.advanceLead(ctx, lead, now); err != nil {
		// The send went out but the counter did not move; the next cycle
		// may resend this tier. Accepted at-least-once behavior.
		s.recordUsage(lead, result)
		return true, false, fmt.Errorf("advancing lead after send: %w", err)
	}

	s.recordUsage(lead, result)

	s.logger.Info("follow-up sent",
		zap.Int64("lead_id", lead.ID),
		zap.Int("attempt", tier+1))
	return true, false, nil
}

// advanceLead atomically moves the lead past the tier that was just sent.
// Only fresh leads move to awaiting_followup; a qualified lead keeps its
// qualification through follow-ups.
func (s *Scheduler) advanceLead(ctx context.Context, lead *models.Lead, now time.Time) error {
	lead.FollowUpCount++
	lead.LastActivityAt = now
	if lead.Status == models.StatusNew {
		lead.Status = models.StatusAwaitingFollowup
	}
	if err := s.store.UpdateLead(ctx, lead); err != nil {
		lead.FollowUpCount--
		return err
	}
	return nil
}

func (s *Scheduler) recordUsage(lead *models.Lead, result *llm.Result) {
	leadID := lead.ID
	if err := s.ledger.RecordUsage(context.Background(), result.Model, models.PurposeFollowUp, result.Usage, &leadID); err != nil {
		s.logger.Warn("usage record rejected",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID))
	}
}

func (s *Scheduler) releaseGuard(leadID int64, tier int) {
	if err := s.guard.Release(context.Background(), leadID, tier); err != nil {
		s.logger.Warn("failed to release send marker",
			zap.Error(err),
			zap.Int64("lead_id", leadID),
			zap.Int("tier", tier+1))
	}
}

// markExhaustedLost moves leads that stayed silent after the final
// follow-up to lost, mirroring the funnel's cold-lead cutoff.
func (s *Scheduler) markExhaustedLost(ctx context.Context, now time.Time) (int, error) {
	grace := s.cfg.Thresholds[0]
	cutoff := now.Add(-grace)

	leads, err := s.store.ListExhaustedLeads(ctx, s.cfg.maxFollowUps(), cutoff)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, lead := range leads {
		if ctx.Err() != nil {
			break
		}
		lead.Status = models.StatusLost
		if err := s.store.UpdateLead(ctx, lead); err != nil {
			s.logger.Error("failed to mark lead lost",
				zap.Error(err),
				zap.Int64("lead_id", lead.ID))
			continue
		}
		marked++
		metrics.LeadsMarkedLostTotal.Inc()
		s.logger.Info("lead marked lost after exhausted follow-ups",
			zap.Int64("lead_id", lead.ID))
	}

	return marked, nil
}
