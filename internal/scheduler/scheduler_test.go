package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"

	"github.com/RomaniumSSS/lead-bot/internal/ledger"
	"github.com/RomaniumSSS/lead-bot/internal/llm"
	"github.com/RomaniumSSS/lead-bot/internal/models"
	"github.com/RomaniumSSS/lead-bot/internal/storage"
)

type fakeGenerator struct {
	fail  error
	calls int
}

func (g *fakeGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	g.calls++
	if g.fail != nil {
		return nil, g.fail
	}
	return &llm.Result{
		Text:  "Still interested? Happy to help!",
		Model: "test-model",
		Usage: models.TokenUsage{InputTokens: 120, OutputTokens: 40},
	}, nil
}

type fakeMessenger struct {
	fail error
	sent []int64
}

func (m *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string) error {
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, chatID)
	return nil
}

// presetGuard simulates markers left behind by a crashed process.
type presetGuard struct {
	taken map[string]bool
}

func (g *presetGuard) Acquire(ctx context.Context, leadID int64, tier int) (bool, error) {
	key := guardKey(leadID, tier)
	if g.taken[key] {
		return false, nil
	}
	g.taken[key] = true
	return true, nil
}

func (g *presetGuard) Release(ctx context.Context, leadID int64, tier int) error {
	delete(g.taken, guardKey(leadID, tier))
	return nil
}

// stickyGuard acquires normally but can never release, like Redis going
// away between the marker write and the cleanup.
type stickyGuard struct {
	taken map[string]bool
}

func (g *stickyGuard) Acquire(ctx context.Context, leadID int64, tier int) (bool, error) {
	key := guardKey(leadID, tier)
	if g.taken[key] {
		return false, nil
	}
	g.taken[key] = true
	return true, nil
}

func (g *stickyGuard) Release(ctx context.Context, leadID int64, tier int) error {
	return errors.New("redis unreachable")
}

func testLedger(store storage.UsageStorage) *ledger.Ledger {
	return ledger.New(store, ledger.Pricing{
		DefaultModel: "test-model",
		Models: map[string]ledger.ModelRates{
			"test-model": {InputCentsPerMillion: 100, OutputCentsPerMillion: 500},
		},
	}, zap.NewNop())
}

func newTestScheduler(t *testing.T, store *storage.MemoryStorage, gen llm.Generator, msg Messenger, guard SendGuard, now time.Time) *Scheduler {
	t.Helper()
	s, err := New(store, gen, msg, testLedger(store), guard, Config{
		Interval:    time.Hour,
		Thresholds:  []time.Duration{24 * time.Hour, 48 * time.Hour},
		LLMTimeout:  5 * time.Second,
		SendTimeout: 5 * time.Second,
		MarkLost:    true,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	s.now = func() time.Time { return now }
	return s
}

func addLead(store *storage.MemoryStorage, telegramID int64, status models.LeadStatus, silentFor time.Duration, followUps int, now time.Time) *models.Lead {
	lead := &models.Lead{
		TelegramID:     telegramID,
		Status:         status,
		LastActivityAt: now.Add(-silentFor),
		FollowUpCount:  followUps,
	}
	if err := store.CreateLead(context.Background(), lead); err != nil {
		panic(err)
	}
	return lead
}

func TestRunCycleTiers(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	Convey("a cycle applies tiered thresholds per lead", t, func() {
		store := storage.NewMemoryStorage()
		gen := &fakeGenerator{}
		msg := &fakeMessenger{}
		s := newTestScheduler(t, store, gen, msg, nil, now)
		ctx := context.Background()

		Convey("25h silent, no follow-ups yet: exactly one send, count moves to 1", func() {
			lead := addLead(store, 100, models.StatusNew, 25*time.Hour, 0, now)

			summary, err := s.RunCycle(ctx)
			So(err, ShouldBeNil)
			So(summary.Scanned, ShouldEqual, 1)
			So(summary.Sent, ShouldEqual, 1)
			So(msg.sent, ShouldResemble, []int64{100})

			updated, _ := store.GetLeadByTelegramID(ctx, lead.TelegramID)
			So(updated.FollowUpCount, ShouldEqual, 1)
			So(updated.LastActivityAt.Equal(now), ShouldBeTrue)
			So(updated.Status, ShouldEqual, models.StatusAwaitingFollowup)

			Convey("an immediate second cycle at the same clock sends nothing more", func() {
				summary, err := s.RunCycle(ctx)
				So(err, ShouldBeNil)
				So(summary.Sent, ShouldEqual, 0)
				So(msg.sent, ShouldHaveLength, 1)
			})
		})

		Convey("30h silent with one follow-up: second tier (48h) not reached, nothing sent", func() {
			addLead(store, 200, models.StatusQualified, 30*time.Hour, 1, now)

			summary, err := s.RunCycle(ctx)
			So(err, ShouldBeNil)
			So(summary.Scanned, ShouldEqual, 1)
			So(summary.Sent, ShouldEqual, 0)
		})

		Convey("49h silent with one follow-up: second tier fires", func() {
			lead := addLead(store, 300, models.StatusQualified, 49*time.Hour, 1, now)

			summary, err := s.RunCycle(ctx)
			So(err, ShouldBeNil)
			So(summary.Sent, ShouldEqual, 1)

			updated, _ := store.GetLeadByTelegramID(ctx, lead.TelegramID)
			So(updated.FollowUpCount, ShouldEqual, 2)
			// A qualified lead keeps its qualification through follow-ups.
			So(updated.Status, ShouldEqual, models.StatusQualified)
		})

		Convey("a lead at the maximum follow-up count is never selected", func() {
			addLead(store, 400, models.StatusQualified, 500*time.Hour, 2, now)

			summary, err := s.RunCycle(ctx)
			So(err, ShouldBeNil)
			So(summary.Scanned, ShouldEqual, 0)
			So(gen.calls, ShouldEqual, 0)
		})

		Convey("converted and lost leads are never selected", func() {
			addLead(store, 500, models.StatusConverted, 500*time.Hour, 0, now)
			addLead(store, 600, models.StatusLost, 500*time.Hour, 0, now)

			summary, err := s.RunCycle(ctx)
			So(err, ShouldBeNil)
			So(summary.Scanned, ShouldEqual, 0)
		})
	})
}

func TestRunCycleFailures(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	Convey("a failed send leaves the counter unchanged so the tier retries", t, func() {
		store := storage.NewMemoryStorage()
		gen := &fakeGenerator{}
		msg := &fakeMessenger{fail: errors.New("telegram unreachable")}
		s := newTestScheduler(t, store, gen, msg, nil, now)

		lead := addLead(store, 100, models.StatusNew, 25*time.Hour, 0, now)

		summary, err := s.RunCycle(ctx)
		So(err, ShouldBeNil)
		So(summary.Errors, ShouldEqual, 1)
		So(summary.Sent, ShouldEqual, 0)

		updated, _ := store.GetLeadByTelegramID(ctx, lead.TelegramID)
		So(updated.FollowUpCount, ShouldEqual, 0)

		Convey("the LLM cost is still recorded: it was incurred before the send failed", func() {
			recs, _ := store.QueryUsageRecords(ctx, time.Time{}, time.Now().Add(time.Hour))
			So(recs, ShouldHaveLength, 1)
			So(recs[0].Purpose, ShouldEqual, models.PurposeFollowUp)
		})

		Convey("the next cycle retries the same tier", func() {
			msg.fail = nil
			summary, err := s.RunCycle(ctx)
			So(err, ShouldBeNil)
			So(summary.Sent, ShouldEqual, 1)

			updated, _ := store.GetLeadByTelegramID(ctx, lead.TelegramID)
			So(updated.FollowUpCount, ShouldEqual, 1)
		})
	})

	Convey("a per-lead LLM failure does not abort the cycle for remaining leads", t, func() {
		store := storage.NewMemoryStorage()
		gen := &fakeGenerator{fail: errors.New("rate limited")}
		msg := &fakeMessenger{}
		s := newTestScheduler(t, store, gen, msg, nil, now)

		addLead(store, 100, models.StatusNew, 25*time.Hour, 0, now)
		addLead(store, 200, models.StatusNew, 26*time.Hour, 0, now)

		summary, err := s.RunCycle(ctx)
		So(err, ShouldBeNil)
		So(summary.Scanned, ShouldEqual, 2)
		So(summary.Errors, ShouldEqual, 2)
		So(gen.calls, ShouldEqual, 2)
	})

	Convey("a cancelled context stops the cycle at a lead boundary", t, func() {
		store := storage.NewMemoryStorage()
		s := newTestScheduler(t, store, &fakeGenerator{}, &fakeMessenger{}, nil, now)

		addLead(store, 100, models.StatusNew, 25*time.Hour, 0, now)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		summary, err := s.RunCycle(cancelled)
		So(err, ShouldNotBeNil)
		So(summary.Sent, ShouldEqual, 0)
	})
}

func TestRunCycleIdempotencyGuard(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	Convey("an existing send marker repairs the counter without resending", t, func() {
		store := storage.NewMemoryStorage()
		gen := &fakeGenerator{}
		msg := &fakeMessenger{}
		guard := &presetGuard{taken: map[string]bool{}}

		s := newTestScheduler(t, store, gen, msg, guard, now)
		lead := addLead(store, 100, models.StatusNew, 25*time.Hour, 0, now)

		// A previous process sent tier 0 and crashed before incrementing.
		guard.taken[guardKey(lead.ID, 0)] = true

		summary, err := s.RunCycle(ctx)
		So(err, ShouldBeNil)
		So(summary.Sent, ShouldEqual, 0)
		So(summary.Repaired, ShouldEqual, 1)
		So(msg.sent, ShouldBeEmpty)

		updated, _ := store.GetLeadByTelegramID(ctx, lead.TelegramID)
		So(updated.FollowUpCount, ShouldEqual, 1)

		// The repair discards the generated text but its cost stands.
		recs, _ := store.QueryUsageRecords(ctx, time.Time{}, time.Now().Add(time.Hour))
		So(recs, ShouldHaveLength, 1)
	})

	Convey("a failed send releases the marker so the retry can acquire it", t, func() {
		store := storage.NewMemoryStorage()
		msg := &fakeMessenger{fail: errors.New("boom")}
		guard := &presetGuard{taken: map[string]bool{}}

		s := newTestScheduler(t, store, &fakeGenerator{}, msg, guard, now)
		lead := addLead(store, 100, models.StatusNew, 25*time.Hour, 0, now)

		_, err := s.RunCycle(ctx)
		So(err, ShouldBeNil)
		So(guard.taken[guardKey(lead.ID, 0)], ShouldBeFalse)
	})

	Convey("a failed generate never leaves a send marker behind", t, func() {
		store := storage.NewMemoryStorage()
		gen := &fakeGenerator{fail: errors.New("rate limited")}
		msg := &fakeMessenger{}
		guard := &stickyGuard{taken: map[string]bool{}}

		s := newTestScheduler(t, store, gen, msg, guard, now)
		lead := addLead(store, 100, models.StatusNew, 25*time.Hour, 0, now)

		summary, err := s.RunCycle(ctx)
		So(err, ShouldBeNil)
		So(summary.Errors, ShouldEqual, 1)
		So(guard.taken, ShouldBeEmpty)

		Convey("so the next cycle sends for real instead of repairing", func() {
			gen.fail = nil
			summary, err := s.RunCycle(ctx)
			So(err, ShouldBeNil)
			So(summary.Sent, ShouldEqual, 1)
			So(summary.Repaired, ShouldEqual, 0)
			So(msg.sent, ShouldResemble, []int64{100})

			updated, _ := store.GetLeadByTelegramID(ctx, lead.TelegramID)
			So(updated.FollowUpCount, ShouldEqual, 1)
		})
	})
}

func TestMarkLost(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	Convey("leads silent after the final follow-up are marked lost", t, func() {
		store := storage.NewMemoryStorage()
		s := newTestScheduler(t, store, &fakeGenerator{}, &fakeMessenger{}, nil, now)

		exhausted := addLead(store, 100, models.StatusAwaitingFollowup, 25*time.Hour, 2, now)
		fresh := addLead(store, 200, models.StatusAwaitingFollowup, time.Hour, 2, now)

		summary, err := s.RunCycle(ctx)
		So(err, ShouldBeNil)
		So(summary.MarkedLost, ShouldEqual, 1)

		updatedExhausted, _ := store.GetLeadByTelegramID(ctx, exhausted.TelegramID)
		So(updatedExhausted.Status, ShouldEqual, models.StatusLost)

		updatedFresh, _ := store.GetLeadByTelegramID(ctx, fresh.TelegramID)
		So(updatedFresh.Status, ShouldEqual, models.StatusAwaitingFollowup)
	})
}
