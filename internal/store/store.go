// Package store persists conversation settings, live message refs and run
// history behind the reporter's ConversationStore interface. Settings are
// authoritative in memory once loaded; writes go through a serialized
// persist that coalesces concurrent callers into one database round.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/semaphore"
)

const rowKeySep = "\x00"

type Store struct {
	db *gorm.DB

	enabledDefault bool
	displayDefault string
	pinDefault     string
	buttonsDefault bool

	mu         sync.Mutex
	rows       map[string]*models.ConversationSettings
	refs       map[string]map[string]semaphore.MessageRef
	dirty      map[string]bool
	persisting bool
}

type Opts struct {
	DB *gorm.DB

	// Defaults applied when a conversation is seen for the first time.
	EnabledDefault bool
	DisplayDefault string
	PinDefault     string
	ButtonsDefault bool
}

func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: requires a database handle")
	}
	if opts.DisplayDefault == "" {
		opts.DisplayDefault = models.DisplayPredictive
	}
	if opts.PinDefault == "" {
		opts.PinDefault = models.PinOff
	}
	return &Store{
		db:             opts.DB,
		enabledDefault: opts.EnabledDefault,
		displayDefault: opts.DisplayDefault,
		pinDefault:     opts.PinDefault,
		buttonsDefault: opts.ButtonsDefault,
		rows:           make(map[string]*models.ConversationSettings),
		refs:           make(map[string]map[string]semaphore.MessageRef),
		dirty:          make(map[string]bool),
	}, nil
}

var _ semaphore.ConversationStore = (*Store)(nil)

func rowKey(t semaphore.Target) string {
	return t.AccountID + rowKeySep + t.ConversationID
}

// Get returns the settings for a target, loading or creating the row on
// first sight. The returned struct is a copy; mutate through Update.
func (s *Store) Get(ctx context.Context, target semaphore.Target) (*models.ConversationSettings, error) {
	key := rowKey(target)

	s.mu.Lock()
	if row, ok := s.rows[key]; ok {
		if target.ChatID != "" && row.ChatID != target.ChatID {
			row.ChatID = target.ChatID
			s.dirty[key] = true
		}
		out := *row
		s.mu.Unlock()
		return &out, nil
	}
	s.mu.Unlock()

	var row models.ConversationSettings
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND conversation_id = ?", target.AccountID, target.ConversationID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.ConversationSettings{
			AccountID:      target.AccountID,
			ConversationID: target.ConversationID,
			ChatID:         target.ChatID,
			Enabled:        s.enabledDefault,
			DisplayMode:    s.displayDefault,
			PinMode:        s.pinDefault,
			ButtonsEnabled: s.buttonsDefault,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, fmt.Errorf("store: create settings for %s: %w", target.ConversationID, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("store: load settings for %s: %w", target.ConversationID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[key]; ok {
		// Lost a load race; keep the cached row authoritative.
		out := *existing
		return &out, nil
	}
	s.rows[key] = &row
	s.refs[key] = parseRefs(row.LiveMessages)
	out := row
	return &out, nil
}

// Update applies fn to the cached row under the store lock, marks it dirty
// and returns a copy.
func (s *Store) Update(ctx context.Context, target semaphore.Target, fn func(*models.ConversationSettings)) (*models.ConversationSettings, error) {
	if _, err := s.Get(ctx, target); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[rowKey(target)]
	fn(row)
	s.dirty[rowKey(target)] = true
	out := *row
	return &out, nil
}

// MessageRef returns the live message ref for the target's thread.
func (s *Store) MessageRef(ctx context.Context, target semaphore.Target) (semaphore.MessageRef, bool, error) {
	if _, err := s.Get(ctx, target); err != nil {
		return semaphore.MessageRef{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.refs[rowKey(target)][target.ThreadKey()]
	return ref, ok, nil
}

// SetMessageRef replaces the target thread's ref; nil clears it. The JSON
// column on the settings row is rewritten so the ref survives restarts.
func (s *Store) SetMessageRef(ctx context.Context, target semaphore.Target, ref *semaphore.MessageRef) error {
	if _, err := s.Get(ctx, target); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rowKey(target)
	refs := s.refs[key]
	if refs == nil {
		refs = make(map[string]semaphore.MessageRef)
		s.refs[key] = refs
	}
	if ref == nil {
		delete(refs, target.ThreadKey())
	} else {
		refs[target.ThreadKey()] = *ref
	}
	s.rows[key].LiveMessages = marshalRefs(refs)
	s.dirty[key] = true
	return nil
}

// Persist writes dirty rows to the database. Only one write runs at a time;
// callers arriving mid-write return immediately and their rows are picked up
// by the writer's next round, so bursts of changes collapse into few writes.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	if s.persisting {
		s.mu.Unlock()
		return nil
	}
	s.persisting = true

	for {
		keys := make([]string, 0, len(s.dirty))
		batch := make([]models.ConversationSettings, 0, len(s.dirty))
		for key := range s.dirty {
			if row, ok := s.rows[key]; ok {
				keys = append(keys, key)
				batch = append(batch, *row)
			}
			delete(s.dirty, key)
		}
		s.mu.Unlock()

		for i := range batch {
			if err := s.db.WithContext(ctx).Save(&batch[i]).Error; err != nil {
				s.mu.Lock()
				// Unwritten rows stay dirty so the next persist retries them.
				for _, key := range keys[i:] {
					s.dirty[key] = true
				}
				s.persisting = false
				s.mu.Unlock()
				return fmt.Errorf("store: persist settings for %s: %w", batch[i].ConversationID, err)
			}
		}

		s.mu.Lock()
		if len(s.dirty) == 0 {
			break
		}
	}
	s.persisting = false
	s.mu.Unlock()
	return nil
}

// FindMostRecentTargetForAccount returns the most recently touched
// conversation for an account, backing account-level alias resolution.
func (s *Store) FindMostRecentTargetForAccount(ctx context.Context, accountID string) (semaphore.Target, bool, error) {
	var row models.ConversationSettings
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("updated_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return semaphore.Target{}, false, nil
	}
	if err != nil {
		return semaphore.Target{}, false, fmt.Errorf("store: find recent target for %s: %w", accountID, err)
	}
	t := semaphore.Target{
		AccountID:      row.AccountID,
		ConversationID: row.ConversationID,
		ChatID:         row.ChatID,
	}
	if !t.Valid() {
		return semaphore.Target{}, false, nil
	}
	return t, true, nil
}

// AppendRunRecord stores one finished run.
func (s *Store) AppendRunRecord(ctx context.Context, rec *models.RunRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("store: append run record: %w", err)
	}
	return nil
}

// RunsSince lists run records that ended at or after the given time, oldest
// first.
func (s *Store) RunsSince(ctx context.Context, since time.Time) ([]models.RunRecord, error) {
	var runs []models.RunRecord
	err := s.db.WithContext(ctx).
		Where("ended_at >= ?", since).
		Order("ended_at ASC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return runs, nil
}

// RecentRuns lists the newest run records up to a limit, for the dashboard.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []models.RunRecord
	err := s.db.WithContext(ctx).
		Order("ended_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list recent runs: %w", err)
	}
	return runs, nil
}

// Conversations returns a copy of every cached settings row plus any rows
// still only in the database, for the dashboard.
func (s *Store) Conversations(ctx context.Context) ([]models.ConversationSettings, error) {
	var rows []models.ConversationSettings
	err := s.db.WithContext(ctx).Order("account_id, conversation_id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rows {
		key := rows[i].AccountID + rowKeySep + rows[i].ConversationID
		if cached, ok := s.rows[key]; ok {
			rows[i] = *cached
		}
	}
	return rows, nil
}

func parseRefs(raw string) map[string]semaphore.MessageRef {
	refs := make(map[string]semaphore.MessageRef)
	if raw == "" {
		return refs
	}
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		log.Printf("store: dropping unreadable live message refs: %v", err)
		return make(map[string]semaphore.MessageRef)
	}
	return refs
}

func marshalRefs(refs map[string]semaphore.MessageRef) string {
	if len(refs) == 0 {
		return ""
	}
	raw, err := json.Marshal(refs)
	if err != nil {
		log.Printf("store: marshal live message refs: %v", err)
		return ""
	}
	return string(raw)
}
