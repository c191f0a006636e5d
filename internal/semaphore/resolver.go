package semaphore

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultResolveTTL = 30 * time.Minute
	defaultPruneEvery = 5 * time.Minute
	senderKeySep      = "::"
)

type trackedTarget struct {
	target Target
	seenAt time.Time
}

// Resolver maps the identifiers carried by agent lifecycle events back to
// delivery targets. Inbound messages register the full chat identity; later
// events that only carry a session key or sender id are resolved from this
// cache, falling back to parsing self-describing keys and, for account-level
// aliases, to the most recently active conversation on record.
type Resolver struct {
	mu        sync.Mutex
	store     ConversationStore
	ttl       time.Duration
	pruneEach time.Duration
	lastPrune time.Time
	sessions  map[string]trackedTarget
	senders   map[string]trackedTarget
	now       func() time.Time
}

type ResolverOpts struct {
	Store ConversationStore

	// TTL bounds how long an entry resolves without being refreshed.
	// Defaults to 30 minutes.
	TTL time.Duration

	// PruneInterval debounces expiry sweeps. Defaults to 5 minutes.
	PruneInterval time.Duration

	Clock func() time.Time
}

func NewResolver(opts ResolverOpts) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = defaultResolveTTL
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneEvery
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Resolver{
		store:     opts.Store,
		ttl:       opts.TTL,
		pruneEach: opts.PruneInterval,
		sessions:  make(map[string]trackedTarget),
		senders:   make(map[string]trackedTarget),
		now:       opts.Clock,
	}
}

func senderKey(accountID, senderID string) string {
	return accountID + senderKeySep + senderID
}

// TrackSession records the target a session key currently maps to.
func (r *Resolver) TrackSession(key string, t Target) {
	if key == "" || !t.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackSessionLocked(key, t, r.now())
}

func (r *Resolver) trackSessionLocked(key string, t Target, now time.Time) {
	r.sessions[key] = trackedTarget{target: t, seenAt: now}
}

// TrackSender records where a sender was last seen, keyed under the target's
// account so the same person can be tracked independently per account.
func (r *Resolver) TrackSender(senderID string, t Target) {
	if senderID == "" || !t.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[senderKey(t.AccountID, senderID)] = trackedTarget{target: t, seenAt: r.now()}
}

// ResolveForSession maps a session key to a target. Resolution order: exact
// cache hit, self-describing key parse, account-main alias via the store.
// Cache hits refresh the entry's TTL.
func (r *Resolver) ResolveForSession(ctx context.Context, key string) (Target, bool) {
	if key == "" {
		return Target{}, false
	}

	r.mu.Lock()
	now := r.now()
	if e, ok := r.sessions[key]; ok && now.Sub(e.seenAt) < r.ttl {
		e.seenAt = now
		r.sessions[key] = e
		r.mu.Unlock()
		return e.target, true
	}
	if t, ok := deriveTarget(key); ok {
		t = r.reconcileLocked(t)
		r.trackSessionLocked(key, t, now)
		r.trackSessionLocked(mainAliasKey(t.AccountID), t, now)
		r.mu.Unlock()
		return t, true
	}
	r.mu.Unlock()

	acct, ok := accountAlias(key)
	if !ok || r.store == nil {
		return Target{}, false
	}
	t, found, err := r.store.FindMostRecentTargetForAccount(ctx, acct)
	if err != nil || !found || !t.Valid() {
		return Target{}, false
	}
	r.mu.Lock()
	r.trackSessionLocked(key, t, r.now())
	r.mu.Unlock()
	return t, true
}

// reconcileLocked adopts the account and conversation naming of an already
// tracked entry at the same chat location. A key parsed from an event may
// carry a default account name while the inbound message registered the real
// one; the tracked entry wins.
func (r *Resolver) reconcileLocked(t Target) Target {
	var best trackedTarget
	found := false
	for _, e := range r.sessions {
		if e.target.SameLocation(t) && (!found || e.seenAt.After(best.seenAt)) {
			best = e
			found = true
		}
	}
	if found {
		t.AccountID = best.target.AccountID
		t.ConversationID = best.target.ConversationID
	}
	return t
}

// ResolveForSender maps a sender id to the target where that sender was last
// seen. The preferred account's entry wins; otherwise the freshest entry for
// the sender across accounts is used.
func (r *Resolver) ResolveForSender(senderID, accountID string) (Target, bool) {
	if senderID == "" {
		return Target{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if accountID != "" {
		key := senderKey(accountID, senderID)
		if e, ok := r.senders[key]; ok && now.Sub(e.seenAt) < r.ttl {
			e.seenAt = now
			r.senders[key] = e
			return e.target, true
		}
	}
	suffix := senderKeySep + senderID
	var best trackedTarget
	found := false
	for k, e := range r.senders {
		if !strings.HasSuffix(k, suffix) || now.Sub(e.seenAt) >= r.ttl {
			continue
		}
		if !found || e.seenAt.After(best.seenAt) {
			best = e
			found = true
		}
	}
	if !found {
		return Target{}, false
	}
	return best.target, true
}

// MaybePrune drops expired entries. Sweeps are debounced to the prune
// interval so the periodic tick can call this unconditionally.
func (r *Resolver) MaybePrune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastPrune) < r.pruneEach {
		return
	}
	r.lastPrune = now
	for k, e := range r.sessions {
		if now.Sub(e.seenAt) >= r.ttl {
			delete(r.sessions, k)
		}
	}
	for k, e := range r.senders {
		if now.Sub(e.seenAt) >= r.ttl {
			delete(r.senders, k)
		}
	}
}

// Size returns the number of live session and sender entries.
func (r *Resolver) Size() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.senders)
}
