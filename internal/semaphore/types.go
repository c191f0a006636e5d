package semaphore

import (
	"strings"
	"time"
)

// Target identifies the single chat location a session renders into.
type Target struct {
	AccountID      string
	ConversationID string
	ChatID         string
	ThreadID       string
}

// Valid reports whether the target carries enough identity to deliver a message.
func (t Target) Valid() bool {
	return t.AccountID != "" && t.ChatID != ""
}

// ThreadKey returns the key used for per-thread message refs on a settings row.
func (t Target) ThreadKey() string {
	if t.ThreadID == "" {
		return "main"
	}
	return t.ThreadID
}

// SameLocation reports whether two targets point at the same chat and thread,
// ignoring account and conversation naming.
func (t Target) SameLocation(o Target) bool {
	return t.ChatID == o.ChatID && t.ThreadID == o.ThreadID
}

// runKeySep joins session table keys. Conversation ids routinely contain ':'
// so a control character is used instead.
const runKeySep = "\x1f"

// runKey derives the session table key for a target.
func runKey(t Target) string {
	return t.AccountID + runKeySep + t.ConversationID + runKeySep + t.ThreadID
}

// MessageRef points at the live status message previously delivered for a thread.
type MessageRef struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Same reports whether two refs name the same remote message.
func (r MessageRef) Same(o MessageRef) bool {
	return r.ChatID == o.ChatID && r.MessageID == o.MessageID
}

// Agent session keys are self-describing where possible:
//
//	<account>:<platform>:<chatID>
//	<account>:<platform>:<chatID>:topic:<threadID>
//	<account>:main
//
// The last form is an account-level alias that resolves to the most recently
// active conversation for that account.

// deriveTarget rebuilds a Target from a self-describing session key. It
// returns false for opaque keys and for the account-main alias.
func deriveTarget(key string) (Target, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return Target{}, false
	}
	t := Target{
		AccountID:      parts[0],
		ConversationID: parts[1] + ":" + parts[2],
		ChatID:         parts[2],
	}
	if len(parts) >= 5 && parts[3] == "topic" {
		t.ThreadID = parts[4]
	}
	if !t.Valid() {
		return Target{}, false
	}
	return t, true
}

// accountAlias extracts the account from an "<account>:main" alias key.
func accountAlias(key string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) == 2 && parts[1] == "main" && parts[0] != "" {
		return parts[0], true
	}
	return "", false
}

// mainAliasKey builds the alias key registered alongside derived targets so
// later account-only lookups still land on the same conversation.
func mainAliasKey(accountID string) string {
	return accountID + ":main"
}

// SessionKeyFor builds the canonical self-describing session key for a
// target. Platform adapters attach it to inbound message events so lifecycle
// events keyed the same way resolve without a cache hit.
func SessionKeyFor(t Target) string {
	key := t.AccountID + ":" + t.ConversationID
	if t.ThreadID != "" {
		key += ":topic:" + t.ThreadID
	}
	return key
}

// MessageEvent reports an inbound user message on a monitored conversation.
// It carries the full raw identity of the chat, unlike the agent lifecycle
// events which only carry a session key.
type MessageEvent struct {
	AccountID      string
	SenderID       string
	ConversationID string
	ChatID         string
	ThreadID       string
	SessionKey     string
}

// RunStartEvent reports that the agent began processing a run.
type RunStartEvent struct {
	SessionKey string
}

// ToolStartEvent reports that the agent invoked a tool.
type ToolStartEvent struct {
	SessionKey string
	ToolName   string
}

// ToolEndEvent reports that the current tool call finished.
type ToolEndEvent struct {
	SessionKey string
}

// ModelOutputEvent reports model usage produced during a run. Token counts
// accumulate across events within the same run.
type ModelOutputEvent struct {
	SessionKey   string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// RunEndEvent reports that the run finished.
type RunEndEvent struct {
	SessionKey string
	Success    bool
	Error      string
	Duration   time.Duration
}
