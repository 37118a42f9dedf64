package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/RomaniumSSS/lead-bot/internal/ledger"
	"github.com/RomaniumSSS/lead-bot/internal/llm"
	"github.com/RomaniumSSS/lead-bot/internal/metrics"
	"github.com/RomaniumSSS/lead-bot/internal/models"
	"github.com/RomaniumSSS/lead-bot/internal/storage"
)

const historyLimit = 30

type Bot struct {
	api         *tgbotapi.BotAPI
	storage     storage.Storage
	generator   llm.Generator
	ledger      *ledger.Ledger
	logger      *zap.Logger
	ownerChatID int64
	llmTimeout  time.Duration
	materials   string
}

func New(token string, store storage.Storage, generator llm.Generator, usageLedger *ledger.Ledger, ownerChatID int64, llmTimeout time.Duration, materials string, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		api:         api,
		storage:     store,
		generator:   generator,
		ledger:      usageLedger,
		logger:      logger,
		ownerChatID: ownerChatID,
		llmTimeout:  llmTimeout,
		materials:   materials,
	}, nil
}

func (b *Bot) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil || update.Message.From == nil {
			continue
		}

		go b.handleMessage(update.Message)
	}

	return nil
}

// SendMessage implements the scheduler's Messenger contract.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (b *Bot) handleMessage(message *tgbotapi.Message) {
	ctx := context.Background()

	if message.IsCommand() {
		metrics.MessagesHandledTotal.WithLabelValues("command").Inc()
		b.handleCommand(ctx, message)
		return
	}

	if message.Text == "" {
		return
	}

	metrics.MessagesHandledTotal.WithLabelValues("text").Inc()
	b.handleConversation(ctx, message)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(ctx, message)
	case "help":
		b.handleHelp(message)
	case "stats":
		b.handleStats(ctx, message)
	case "llm_stats":
		b.handleLLMStats(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

// getOrCreateLead loads the lead for an inbound message and refreshes its
// identity fields and activity timestamp. A lead that was waiting on a
// follow-up re-enters the normal conversation flow.
func (b *Bot) getOrCreateLead(ctx context.Context, from *tgbotapi.User) (*models.Lead, error) {
	now := time.Now()

	lead, err := b.storage.GetLeadByTelegramID(ctx, from.ID)
	if errors.Is(err, storage.ErrLeadNotFound) {
		lead = &models.Lead{
			TelegramID:     from.ID,
			Username:       from.UserName,
			FirstName:      from.FirstName,
			LastName:       from.LastName,
			Status:         models.StatusNew,
			LastActivityAt: now,
		}
		if err := b.storage.CreateLead(ctx, lead); err != nil {
			// Two updates from a fresh contact can race here; whoever
			// lost the insert picks up the winner's row.
			if existing, getErr := b.storage.GetLeadByTelegramID(ctx, from.ID); getErr == nil {
				return existing, nil
			}
			return nil, err
		}
		b.logger.Info("new lead created",
			zap.Int64("lead_id", lead.ID),
			zap.Int64("telegram_id", lead.TelegramID))
		return lead, nil
	}
	if err != nil {
		return nil, err
	}

	lead.Username = from.UserName
	lead.FirstName = from.FirstName
	lead.LastName = from.LastName
	lead.LastActivityAt = now
	if lead.Status == models.StatusAwaitingFollowup {
		lead.Status = models.StatusNew
	}
	if err := b.storage.UpdateLead(ctx, lead); err != nil {
		return nil, err
	}
	return lead, nil
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	lead, err := b.getOrCreateLead(ctx, message.From)
	if err != nil {
		b.logger.Error("failed to load lead on /start",
			zap.Error(err),
			zap.Int64("telegram_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Something went wrong. Please try again.")
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, b.llmTimeout)
	result, err := b.generator.Generate(genCtx, llm.Request{
		Purpose: models.PurposeGreeting,
		Lead:    lead,
	})
	cancel()

	greeting := fmt.Sprintf("Hi %s! 👋 Tell me what you are working on and I'll see how we can help.", lead.DisplayName())
	if err != nil {
		b.logger.Error("failed to generate greeting, using fallback",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID))
	} else {
		greeting = result.Text
		b.recordUsage(ctx, lead, models.PurposeGreeting, result)
	}

	b.sendMessage(message.Chat.ID, greeting)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Just write me a message describing your task — I'll help you
figure out scope, budget and timeline, and connect you with the owner
when you're ready.

/start - Start over
/help - Show this help message`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleConversation(ctx context.Context, message *tgbotapi.Message) {
	lead, err := b.getOrCreateLead(ctx, message.From)
	if err != nil {
		b.logger.Error("failed to load lead",
			zap.Error(err),
			zap.Int64("telegram_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Something went wrong. Please try again.")
		return
	}

	if err := b.storage.AppendMessage(ctx, &models.ConversationMessage{
		LeadID:  lead.ID,
		Role:    models.RoleUser,
		Content: message.Text,
	}); err != nil {
		b.logger.Error("failed to save inbound message",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID))
	}

	if lead.AwaitingMeetingTime {
		b.handleMeetingTime(ctx, lead, message)
		return
	}

	history, err := b.storage.GetConversation(ctx, lead.ID, historyLimit)
	if err != nil {
		b.logger.Error("failed to load conversation history",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID))
	}

	genCtx, cancel := context.WithTimeout(ctx, b.llmTimeout)
	result, err := b.generator.Generate(genCtx, llm.Request{
		Purpose: models.PurposeFreeChat,
		Lead:    lead,
		History: history,
		Message: message.Text,
	})
	cancel()
	if err != nil {
		b.logger.Error("failed to generate reply",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't process that. Please try rephrasing.")
		return
	}

	b.recordUsage(ctx, lead, models.PurposeFreeChat, result)

	if err := b.storage.AppendMessage(ctx, &models.ConversationMessage{
		LeadID:  lead.ID,
		Role:    models.RoleAssistant,
		Content: result.Text,
	}); err != nil {
		b.logger.Error("failed to save reply",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID))
	}

	if result.Status != "" && result.Status != lead.Status {
		oldStatus := lead.Status
		lead.Status = result.Status
		if err := b.storage.UpdateLead(ctx, lead); err != nil {
			b.logger.Error("failed to update lead status",
				zap.Error(err),
				zap.Int64("lead_id", lead.ID))
		} else {
			b.logger.Info("lead status changed",
				zap.Int64("lead_id", lead.ID),
				zap.String("from", string(oldStatus)),
				zap.String("to", string(lead.Status)))
			if lead.Status == models.StatusQualified {
				b.notifyOwner(ctx, lead)
			}
		}
	}

	b.sendMessage(message.Chat.ID, result.Text)

	switch result.Action {
	case llm.ActionScheduleMeeting:
		lead.AwaitingMeetingTime = true
		if err := b.storage.UpdateLead(ctx, lead); err != nil {
			b.logger.Error("failed to flag meeting prompt",
				zap.Error(err),
				zap.Int64("lead_id", lead.ID))
			return
		}
		b.sendMessage(message.Chat.ID,
			`When would a short call suit you? Name any time that works, e.g. "tomorrow at 15:00".`)
	case llm.ActionSendMaterials:
		if b.materials != "" {
			b.sendMessage(message.Chat.ID, b.materials)
		}
	}
}

// handleMeetingTime books the meeting a previous reply proposed: the
// inbound text is turned into a timestamp by the LLM, then stored and
// announced to the owner.
func (b *Bot) handleMeetingTime(ctx context.Context, lead *models.Lead, message *tgbotapi.Message) {
	genCtx, cancel := context.WithTimeout(ctx, b.llmTimeout)
	result, err := b.generator.Generate(genCtx, llm.Request{
		Purpose: models.PurposeTimeParsing,
		Lead:    lead,
		Message: message.Text,
	})
	cancel()
	if err != nil {
		b.logger.Error("failed to parse meeting time",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't process that. Please try again.")
		return
	}

	b.recordUsage(ctx, lead, models.PurposeTimeParsing, result)

	when, err := llm.ParseMeetingTime(result.Text)
	if err != nil {
		b.sendMessage(message.Chat.ID,
			`I couldn't make out a time from that. Try something like "tomorrow at 15:00".`)
		return
	}

	meeting := &models.Meeting{LeadID: lead.ID, ScheduledAt: when}
	if err := b.storage.CreateMeeting(ctx, meeting); err != nil {
		b.logger.Error("failed to save meeting",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID))
		b.sendErrorMessage(message.Chat.ID, "Couldn't save the meeting. Please try again.")
		return
	}

	lead.AwaitingMeetingTime = false
	if err := b.storage.UpdateLead(ctx, lead); err != nil {
		b.logger.Error("failed to clear meeting prompt",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID))
	}

	b.logger.Info("meeting scheduled",
		zap.Int64("lead_id", lead.ID),
		zap.Time("scheduled_at", when))

	b.sendMessage(message.Chat.ID,
		fmt.Sprintf("📅 Booked for %s. We'll reach out to confirm!", when.Format("Mon, 2 Jan at 15:04 MST")))

	if b.ownerChatID != 0 {
		b.sendMessage(b.ownerChatID, fmt.Sprintf("📅 Meeting with %s at %s",
			lead.DisplayName(), when.Format("Mon, 2 Jan at 15:04 MST")))
	}
}

// notifyOwner tells the owner about a freshly qualified lead with a short
// LLM summary of the dialogue. Best effort only.
func (b *Bot) notifyOwner(ctx context.Context, lead *models.Lead) {
	if b.ownerChatID == 0 {
		return
	}

	summary := "No summary available."
	history, err := b.storage.GetConversation(ctx, lead.ID, historyLimit)
	if err == nil && len(history) > 0 {
		genCtx, cancel := context.WithTimeout(ctx, b.llmTimeout)
		result, err := b.generator.Generate(genCtx, llm.Request{
			Purpose: models.PurposeSummary,
			Lead:    lead,
			History: history,
		})
		cancel()
		if err != nil {
			b.logger.Error("failed to summarize lead for owner",
				zap.Error(err),
				zap.Int64("lead_id", lead.ID))
		} else {
			summary = result.Text
			b.recordUsage(ctx, lead, models.PurposeSummary, result)
		}
	}

	text := fmt.Sprintf("🔥 Lead qualified: %s\n\n%s", lead.DisplayName(), summary)
	b.sendMessage(b.ownerChatID, text)
}

func (b *Bot) isOwner(message *tgbotapi.Message) bool {
	return b.ownerChatID != 0 && message.From.ID == b.ownerChatID
}

func (b *Bot) handleStats(ctx context.Context, message *tgbotapi.Message) {
	if !b.isOwner(message) {
		b.logger.Warn("stats command from non-owner",
			zap.Int64("telegram_id", message.From.ID))
		b.sendMessage(message.Chat.ID, "This command is not available.")
		return
	}

	counts, err := b.storage.CountLeadsByStatus(ctx)
	if err != nil {
		b.logger.Error("failed to count leads", zap.Error(err))
		b.sendErrorMessage(message.Chat.ID, "Couldn't load lead statistics.")
		return
	}

	dayStart, _ := ledger.DayWindow(time.Now())
	today, err := b.storage.CountLeadsCreatedSince(ctx, dayStart)
	if err != nil {
		b.logger.Error("failed to count today's leads", zap.Error(err))
	}

	meetings, err := b.storage.CountUpcomingMeetings(ctx, time.Now())
	if err != nil {
		b.logger.Error("failed to count upcoming meetings", zap.Error(err))
	}

	total := 0
	for _, c := range counts {
		total += c
	}

	text := fmt.Sprintf(`📊 Leads

Total: %d
New today: %d
Upcoming meetings: %d

By status:
🆕 new: %d
✅ qualified: %d
⏳ awaiting follow-up: %d
🤝 converted: %d
❄️ lost: %d`,
		total, today, meetings,
		counts[models.StatusNew],
		counts[models.StatusQualified],
		counts[models.StatusAwaitingFollowup],
		counts[models.StatusConverted],
		counts[models.StatusLost])

	b.sendMessage(message.Chat.ID, text)
}

func (b *Bot) handleLLMStats(ctx context.Context, message *tgbotapi.Message) {
	if !b.isOwner(message) {
		b.logger.Warn("llm_stats command from non-owner",
			zap.Int64("telegram_id", message.From.ID))
		b.sendMessage(message.Chat.ID, "This command is not available.")
		return
	}

	now := time.Now()

	dayStart, dayEnd := ledger.DayWindow(now)
	daily, err := b.ledger.AggregateStats(ctx, dayStart, dayEnd, ledger.GroupByNone)
	if err != nil {
		b.logger.Error("failed to load daily usage stats", zap.Error(err))
		b.sendErrorMessage(message.Chat.ID, "Couldn't load usage statistics.")
		return
	}

	weekStart, weekEnd := ledger.WeekWindow(now)
	weekly, err := b.ledger.AggregateStats(ctx, weekStart, weekEnd, ledger.GroupByModel)
	if err != nil {
		b.logger.Error("failed to load weekly usage stats", zap.Error(err))
		b.sendErrorMessage(message.Chat.ID, "Couldn't load usage statistics.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 LLM usage\n\nToday:\n")
	fmt.Fprintf(&sb, "🔹 Requests: %d\n", daily.Requests)
	fmt.Fprintf(&sb, "🔹 Tokens in/out: %d / %d\n", daily.InputTokens, daily.OutputTokens)
	fmt.Fprintf(&sb, "🔹 Cache hit rate: %.1f%%\n", daily.CacheHitRatio*100)
	fmt.Fprintf(&sb, "💰 Cost: $%.4f\n", float64(daily.TotalCostCents)/100)

	fmt.Fprintf(&sb, "\nLast 7 days:\n")
	fmt.Fprintf(&sb, "🔹 Requests: %d\n", weekly.Requests)
	fmt.Fprintf(&sb, "💰 Cost: $%.4f\n", float64(weekly.TotalCostCents)/100)
	for model, stats := range weekly.Groups {
		fmt.Fprintf(&sb, "  • %s: %d requests, $%.4f\n",
			model, stats.Requests, float64(stats.TotalCostCents)/100)
	}

	b.sendMessage(message.Chat.ID, sb.String())
}

func (b *Bot) recordUsage(ctx context.Context, lead *models.Lead, purpose models.Purpose, result *llm.Result) {
	leadID := lead.ID
	if err := b.ledger.RecordUsage(ctx, result.Model, purpose, result.Usage, &leadID); err != nil {
		b.logger.Warn("usage record rejected",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID),
			zap.String("purpose", string(purpose)))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
