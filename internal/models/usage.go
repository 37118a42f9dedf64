package models

import "time"

// Purpose tags every LLM invocation with why the call was made.
type Purpose string

const (
	PurposeGreeting           Purpose = "greeting"
	PurposeFreeChat           Purpose = "free_chat"
	PurposeSuggestedQuestions Purpose = "suggested_questions"
	PurposeSummary            Purpose = "summary"
	PurposeFollowUp           Purpose = "followup"
	PurposeTimeParsing        Purpose = "time_parsing"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeGreeting, PurposeFreeChat, PurposeSuggestedQuestions,
		PurposeSummary, PurposeFollowUp, PurposeTimeParsing:
		return true
	}
	return false
}

// TokenUsage holds the token counts reported by the provider for one call.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
}

// LLMUsageRecord is an immutable log entry for one billed LLM invocation.
// Costs are stored in integer cents; LeadID is a weak reference and the
// record outlives lead deletion.
type LLMUsageRecord struct {
	ID                  int64     `json:"id"`
	LeadID              *int64    `json:"lead_id,omitempty"`
	Model               string    `json:"model"`
	Purpose             Purpose   `json:"purpose"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
	CacheWriteTokens    int       `json:"cache_write_tokens"`
	CacheReadTokens     int       `json:"cache_read_tokens"`
	CostInputCents      int64     `json:"cost_input_cents"`
	CostOutputCents     int64     `json:"cost_output_cents"`
	CostCacheWriteCents int64     `json:"cost_cache_write_cents"`
	CostCacheReadCents  int64     `json:"cost_cache_read_cents"`
	TotalCostCents      int64     `json:"total_cost_cents"`
	CreatedAt           time.Time `json:"created_at"`
}
