package semaphore

import (
	"context"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// ConversationStore is the persistence surface the reporter depends on.
// Implementations keep settings authoritative in memory and write through to
// durable storage; Persist may coalesce concurrent callers into one write.
type ConversationStore interface {
	// Get returns the settings row for a target, creating it with defaults
	// on first sight.
	Get(ctx context.Context, target Target) (*models.ConversationSettings, error)

	// Update applies fn to the settings row under the store's lock and
	// returns the updated copy.
	Update(ctx context.Context, target Target, fn func(*models.ConversationSettings)) (*models.ConversationSettings, error)

	// MessageRef returns the live message ref for the target's thread.
	MessageRef(ctx context.Context, target Target) (MessageRef, bool, error)

	// SetMessageRef replaces the target thread's ref. A nil ref clears it.
	SetMessageRef(ctx context.Context, target Target, ref *MessageRef) error

	// Persist flushes dirty state to durable storage.
	Persist(ctx context.Context) error

	// FindMostRecentTargetForAccount returns the most recently touched
	// conversation for an account, for resolving account-level aliases.
	FindMostRecentTargetForAccount(ctx context.Context, accountID string) (Target, bool, error)

	// AppendRunRecord stores one finished run for history and digests.
	AppendRunRecord(ctx context.Context, rec *models.RunRecord) error

	// RunsSince lists run records that ended at or after the given time.
	RunsSince(ctx context.Context, since time.Time) ([]models.RunRecord, error)
}
