package semaphore

import (
	"sync"
	"time"
)

const (
	breakerBaseBackoff = 2 * time.Second
	breakerMaxBackoff  = 2 * time.Minute
)

type breakerEntry struct {
	until   time.Time
	strikes int
}

// BreakerState is a snapshot of one paused chat, for observability.
type BreakerState struct {
	AccountID string    `json:"accountId"`
	ChatID    string    `json:"chatId"`
	Until     time.Time `json:"until"`
	Strikes   int       `json:"strikes"`
}

// Breaker is a circuit breaker keyed by (account, chat). A rate-limited
// delivery trips the breaker for every session sharing that chat; entries
// expire lazily on the next check.
type Breaker struct {
	mu     sync.Mutex
	paused map[string]breakerEntry
	now    func() time.Time
}

func NewBreaker() *Breaker {
	return &Breaker{
		paused: make(map[string]breakerEntry),
		now:    time.Now,
	}
}

func breakerKey(accountID, chatID string) string {
	return accountID + runKeySep + chatID
}

// Trip pauses the chat. A server-provided retry delay wins when present;
// otherwise the pause doubles per consecutive strike from a 2s base. A new
// pause never shortens an existing one.
func (b *Breaker) Trip(accountID, chatID string, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := breakerKey(accountID, chatID)
	now := b.now()
	entry := b.paused[key]
	if now.After(entry.until) && entry.strikes > 0 {
		// Previous pause already expired without a CanProceed call to
		// clear it; start the strike count over.
		entry.strikes = 0
	}

	wait := retryAfter
	if wait <= 0 {
		wait = breakerBaseBackoff << entry.strikes
		if wait > breakerMaxBackoff || wait <= 0 {
			wait = breakerMaxBackoff
		}
	}
	until := now.Add(wait)
	if until.After(entry.until) {
		entry.until = until
	}
	entry.strikes++
	b.paused[key] = entry
}

// CanProceed reports whether delivery to the chat is currently allowed.
// Expired pauses are removed as a side effect.
func (b *Breaker) CanProceed(accountID, chatID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := breakerKey(accountID, chatID)
	entry, ok := b.paused[key]
	if !ok {
		return true
	}
	if b.now().Before(entry.until) {
		return false
	}
	delete(b.paused, key)
	return true
}

// PausedUntil returns the pause deadline for a chat, if one is active.
func (b *Breaker) PausedUntil(accountID, chatID string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.paused[breakerKey(accountID, chatID)]
	if !ok || !b.now().Before(entry.until) {
		return time.Time{}, false
	}
	return entry.until, true
}

// Snapshot lists all currently active pauses.
func (b *Breaker) Snapshot() []BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var out []BreakerState
	for key, entry := range b.paused {
		if !now.Before(entry.until) {
			continue
		}
		acct, chat, _ := splitBreakerKey(key)
		out = append(out, BreakerState{
			AccountID: acct,
			ChatID:    chat,
			Until:     entry.until,
			Strikes:   entry.strikes,
		})
	}
	return out
}

func splitBreakerKey(key string) (string, string, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == runKeySep[0] {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}
