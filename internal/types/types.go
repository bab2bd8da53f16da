// Package types holds the domain model shared across the SignalZero core:
// enums for statuses, tiers and bands, the persisted entities, and the JSON
// wire payloads exchanged with agents and UI subscribers.
package types

import (
	"time"

	"github.com/google/uuid"
)

// AgentType identifies one of the external analyzers.
type AgentType string

const (
	AgentBot        AgentType = "bot"
	AgentTrend      AgentType = "trend"
	AgentReview     AgentType = "review"
	AgentPromotion  AgentType = "promotion"
	AgentAggregator AgentType = "aggregator"
)

// AnalyzerTypes are the four fan-out targets. The aggregator is synthesized
// locally and never receives a request.
var AnalyzerTypes = []AgentType{AgentBot, AgentTrend, AgentReview, AgentPromotion}

// ValidAgentType reports whether s names a known agent, including the
// aggregator pseudo-agent.
func ValidAgentType(s string) bool {
	switch AgentType(s) {
	case AgentBot, AgentTrend, AgentReview, AgentPromotion, AgentAggregator:
		return true
	}
	return false
}

// AnalysisStatus is the lifecycle state of an analysis. Transitions are
// monotone: PENDING → PROCESSING → {COMPLETE | FAILED | TIMEOUT}.
type AnalysisStatus string

const (
	StatusPending    AnalysisStatus = "PENDING"
	StatusProcessing AnalysisStatus = "PROCESSING"
	StatusComplete   AnalysisStatus = "COMPLETE"
	StatusFailed     AnalysisStatus = "FAILED"
	StatusTimeout    AnalysisStatus = "TIMEOUT"
)

// Terminal reports whether the status admits no further transitions.
func (s AnalysisStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusTimeout
}

// AgentResultStatus is the state of a single agent's contribution.
type AgentResultStatus string

const (
	AgentPending  AgentResultStatus = "PENDING"
	AgentComplete AgentResultStatus = "COMPLETE"
	AgentFailed   AgentResultStatus = "FAILED"
	AgentTimeout  AgentResultStatus = "TIMEOUT"
)

// Band is the categorical projection of the authenticity score.
type Band string

const (
	BandGreen  Band = "GREEN"
	BandYellow Band = "YELLOW"
	BandRed    Band = "RED"
)

// Tier is a user's subscription level.
type Tier string

const (
	TierPublic     Tier = "PUBLIC"
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierBusiness   Tier = "BUSINESS"
	TierEnterprise Tier = "ENTERPRISE"
)

// ValidTier reports whether s names a known tier.
func ValidTier(s string) bool {
	switch Tier(s) {
	case TierPublic, TierFree, TierPro, TierBusiness, TierEnterprise:
		return true
	}
	return false
}

// User is an account row. Users are deactivated, never deleted.
type User struct {
	ID            uuid.UUID `db:"id"`
	Tier          Tier      `db:"tier"`
	UsedThisMonth int       `db:"used_this_month"`
	LastReset     time.Time `db:"last_reset"`
	Active        bool      `db:"active"`
	CreatedAt     time.Time `db:"created_at"`
}

// Analysis is one request/response lifecycle from submission to verdict.
// Score fields are nil until the COMPLETE transition sets them all at once.
type Analysis struct {
	ID             uuid.UUID      `db:"id"`
	UserID         *uuid.UUID     `db:"user_id"`
	Query          string         `db:"query"`
	QueryType      string         `db:"query_type"`
	Platform       string         `db:"platform"`
	Status         AnalysisStatus `db:"status"`
	BotScore       *float64       `db:"bot_score"`
	TrendScore     *float64       `db:"trend_score"`
	ReviewScore    *float64       `db:"review_score"`
	PromotionScore *float64       `db:"promotion_score"`
	Authenticity   *float64       `db:"authenticity_score"`
	Band           *Band          `db:"band"`
	CorrelationID  string         `db:"correlation_id"`
	FailureReason  string         `db:"failure_reason"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      *time.Time     `db:"started_at"`
	CompletedAt    *time.Time     `db:"completed_at"`
	ProcessingMs   *int64         `db:"processing_ms"`
}

// AgentResult is one analyzer's contribution to an analysis, unique per
// (analysisId, agentType).
type AgentResult struct {
	AnalysisID   uuid.UUID         `db:"analysis_id"`
	AgentType    AgentType         `db:"agent_type"`
	Score        float64           `db:"score"`
	Confidence   float64           `db:"confidence"`
	Status       AgentResultStatus `db:"status"`
	Evidence     string            `db:"evidence"` // JSON object, opaque to the core
	ProcessingMs int64             `db:"processing_ms"`
	CreatedAt    time.Time         `db:"created_at"`
	CompletedAt  *time.Time        `db:"completed_at"`
}

// ShameEntry is the public projection of a high-manipulation analysis.
type ShameEntry struct {
	ID           uuid.UUID `db:"id"`
	AnalysisID   uuid.UUID `db:"analysis_id"`
	ProductName  string    `db:"product_name"`
	Band         Band      `db:"band"`
	BotScore     float64   `db:"bot_score"`
	Authenticity float64   `db:"authenticity_score"`
	Active       bool      `db:"active"`
	DisplayOrder int       `db:"display_order"`
	CreatedAt    time.Time `db:"created_at"`
}

// AgentRequest is the fan-out payload published to each analyzer's request
// topic. UserID is empty for anonymous submissions.
type AgentRequest struct {
	AnalysisID    uuid.UUID `json:"analysisId"`
	CorrelationID string    `json:"correlationId"`
	UserID        string    `json:"userId,omitempty"`
	Query         string    `json:"query"`
	QueryType     string    `json:"queryType"`
	Platform      string    `json:"platform"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// AgentResponse is the payload an analyzer publishes on its response topic.
// Evidence stays an opaque map; everything else is validated strictly.
type AgentResponse struct {
	AnalysisID   uuid.UUID         `json:"analysisId"`
	AgentType    AgentType         `json:"agentType"`
	Score        float64           `json:"score"`
	Confidence   float64           `json:"confidence"`
	Status       AgentResultStatus `json:"status"`
	Evidence     map[string]any    `json:"evidence,omitempty"`
	ProcessingMs int64             `json:"processingMs"`
	ProducedAt   time.Time         `json:"producedAt"`
}

// StatusUpdate is pushed to UI subscribers on every status transition.
type StatusUpdate struct {
	AnalysisID uuid.UUID      `json:"analysisId"`
	Status     AnalysisStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}

// ScoreUpdate is pushed to UI subscribers when an analysis completes.
type ScoreUpdate struct {
	AnalysisID   uuid.UUID `json:"analysisId"`
	Authenticity int       `json:"authenticity"`
	Bot          int       `json:"bot"`
	Band         Band      `json:"band"`
	CompletedAt  time.Time `json:"completedAt"`
}

// ShameAdd announces a new shame-list entry on the dashboard topic.
type ShameAdd struct {
	AnalysisID   uuid.UUID `json:"analysisId"`
	ProductName  string    `json:"productName"`
	Band         Band      `json:"band"`
	Bot          int       `json:"bot"`
	Authenticity int       `json:"authenticity"`
	CreatedAt    time.Time `json:"createdAt"`
}
