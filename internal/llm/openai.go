package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/RomaniumSSS/lead-bot/internal/models"
)

// replyPayload is the structured answer free_chat asks the model for.
type replyPayload struct {
	Response  string `json:"response"`
	Status    string `json:"status"`
	Action    string `json:"action"`
	Reasoning string `json:"reasoning"`
}

type OpenAIGenerator struct {
	client       *openai.Client
	model        string
	maxTokens    int
	temperature  float64
	businessName string
	businessDesc string
	logger       *zap.Logger
}

func NewOpenAIGenerator(apiKey, model string, maxTokens int, temperature float64, businessName, businessDesc string, logger *zap.Logger) *OpenAIGenerator {
	return &OpenAIGenerator{
		client:       openai.NewClient(apiKey),
		model:        model,
		maxTokens:    maxTokens,
		temperature:  temperature,
		businessName: businessName,
		businessDesc: businessDesc,
		logger:       logger,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Lead == nil {
		return nil, fmt.Errorf("llm: request without lead context")
	}

	messages := g.buildMessages(req)

	resp, err := g.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       g.model,
			Messages:    messages,
			MaxTokens:   g.maxTokens,
			Temperature: float32(g.temperature),
		},
	)
	if err != nil {
		return nil, classifyError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty completion response")
	}

	result := &Result{
		Model: resp.Model,
		Usage: extractUsage(resp.Usage),
	}
	if result.Model == "" {
		result.Model = g.model
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if req.Purpose == models.PurposeFreeChat {
		g.parseReply(text, req.Lead, result)
	} else {
		result.Text = text
	}

	return result, nil
}

func (g *OpenAIGenerator) buildMessages(req Request) []openai.ChatCompletionMessage {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: g.systemPrompt(req),
		},
	}

	for _, msg := range req.History {
		role := openai.ChatMessageRoleUser
		if msg.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	if req.Message != "" {
		last := len(messages) - 1
		if messages[last].Role != openai.ChatMessageRoleUser || messages[last].Content != req.Message {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: req.Message,
			})
		}
	}

	return messages
}

func (g *OpenAIGenerator) systemPrompt(req Request) string {
	base := fmt.Sprintf("You are the sales assistant of %q.\n%s\n", g.businessName, g.businessDesc)

	switch req.Purpose {
	case models.PurposeGreeting:
		return base + fmt.Sprintf(
			"Write a short, warm greeting for %s who just started the conversation. "+
				"Ask what task they need help with. Plain text only.",
			req.Lead.DisplayName())

	case models.PurposeFollowUp:
		attempt := req.Lead.FollowUpCount + 1
		return base + fmt.Sprintf(
			"The prospect %s has gone silent. Write re-engagement message number %d: "+
				"friendly, short, no pressure. Remind them you are available if their "+
				"question is still relevant. Plain text only.",
			req.Lead.DisplayName(), attempt)

	case models.PurposeTimeParsing:
		// No business context here, the whole job is timestamp extraction.
		return fmt.Sprintf(
			"Current time: %s.\n"+
				"The prospect was asked when a call would suit them and replied. "+
				"Convert the reply into a single RFC 3339 timestamp in UTC. "+
				"If the reply names no usable time, output exactly %q. "+
				"Output the timestamp or %q and nothing else.",
			time.Now().UTC().Format(time.RFC3339), timeUnclear, timeUnclear)

	case models.PurposeSummary:
		return base + "Summarize the conversation so far in 2-3 sentences for the " +
			"business owner: the prospect's task, budget and timeline if known."

	case models.PurposeFreeChat:
		return base + `Your tasks:
1. Hold a friendly, professional dialogue with the prospect.
2. Ask qualifying questions one at a time: what is the task, what budget, what deadline.
3. Assess the prospect: "qualified" once task, budget and timeline are clear enough, otherwise "new".

Answer ONLY as a JSON object:
{
    "response": "your natural-language answer to the prospect",
    "status": "new|qualified",
    "action": "continue|schedule_meeting|send_materials",
    "reasoning": "one sentence explaining the assessment"
}

If the prospect is qualified and eager, propose a meeting (action "schedule_meeting").
If they want more information first, offer materials (action "send_materials").`

	default:
		return base
	}
}

// parseReply fills Text/Status/Action from the JSON the model was asked
// for, falling back to the raw text when the model ignored the format.
func (g *OpenAIGenerator) parseReply(text string, lead *models.Lead, result *Result) {
	var payload replyPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		g.logger.Warn("LLM reply was not valid JSON, using raw text",
			zap.Error(err),
			zap.Int64("lead_id", lead.ID))
		result.Text = text
		result.Status = lead.Status
		result.Action = ActionContinue
		return
	}

	result.Text = payload.Response

	switch strings.ToLower(payload.Status) {
	case "qualified":
		result.Status = models.StatusQualified
	case "new":
		result.Status = models.StatusNew
	default:
		g.logger.Warn("LLM returned unknown lead status, keeping current",
			zap.String("status", payload.Status),
			zap.Int64("lead_id", lead.ID))
		result.Status = lead.Status
	}

	switch payload.Action {
	case ActionContinue, ActionScheduleMeeting, ActionSendMaterials:
		result.Action = payload.Action
	default:
		result.Action = ActionContinue
	}
}

func extractUsage(u openai.Usage) models.TokenUsage {
	usage := models.TokenUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	// OpenAI reports cached prompt tokens but never a cache-write count.
	if u.PromptTokensDetails != nil {
		usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
		usage.InputTokens -= usage.CacheReadTokens
		if usage.InputTokens < 0 {
			usage.InputTokens = 0
		}
	}
	return usage
}

func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return fmt.Errorf("llm request rejected: %w", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return fmt.Errorf("llm request failed: %w", err)
}
