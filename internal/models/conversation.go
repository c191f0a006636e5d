// Package models defines the GORM models persisted by Signalbox.
package models

import "time"

// Display modes for status rendering.
const (
	DisplayPredictive = "predictive" // estimate percent/ETA from run history
	DisplayStrict     = "strict"     // report only confirmed values
)

// Pin modes for the live status message.
const (
	PinOff   = "off"   // never pin
	PinFirst = "first" // pin the status message once, when first created
)

// ConversationSettings holds per-conversation delivery preferences and the
// historical run aggregates that feed the progress estimator. One row per
// (account, conversation) pair.
type ConversationSettings struct {
	ID             uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID      string `gorm:"size:64;not null;uniqueIndex:idx_account_conversation" json:"accountId"`
	ConversationID string `gorm:"size:128;not null;uniqueIndex:idx_account_conversation" json:"conversationId"`
	ChatID         string `gorm:"size:128;index" json:"chatId"`
	Enabled        bool   `json:"enabled"`
	DisplayMode    string `gorm:"size:16;default:predictive" json:"displayMode"`
	PinMode        string `gorm:"size:16;default:off" json:"pinMode"`
	ButtonsEnabled bool   `json:"buttonsEnabled"`

	// Running averages over successful runs, folded in on completion.
	HistoryRuns   int64   `json:"historyRuns"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	AvgSteps      float64 `json:"avgSteps"`

	// LiveMessages maps thread keys to the JSON-encoded reference of the
	// currently delivered status message for that thread.
	LiveMessages string `gorm:"type:json" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `gorm:"index" json:"updatedAt"`
}

// RunRecord is one completed agent run, kept for digests and the dashboard.
type RunRecord struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"` // uuid
	AccountID      string    `gorm:"size:64;index" json:"accountId"`
	ConversationID string    `gorm:"size:128;index" json:"conversationId"`
	ThreadKey      string    `gorm:"size:128" json:"threadKey"`
	RunNumber      int       `json:"runNumber"`
	Steps          int       `json:"steps"`
	DurationMs     int64     `json:"durationMs"`
	Success        bool      `json:"success"`
	Error          string    `gorm:"type:text" json:"error,omitempty"`
	Provider       string    `gorm:"size:64" json:"provider,omitempty"`
	Model          string    `gorm:"size:128" json:"model,omitempty"`
	InputTokens    int64     `json:"inputTokens"`
	OutputTokens   int64     `json:"outputTokens"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `gorm:"index" json:"endedAt"`
}
