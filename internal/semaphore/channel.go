package semaphore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Button is one interactive control attached to a status message. Rendering
// is up to the channel; platforms without buttons may ignore them.
type Button struct {
	Label  string
	Action string
}

// MessageChannel is the outbound surface a chat platform implements. Send
// posts a fresh status message and returns its ref; Edit rewrites an existing
// one in place. Implementations classify their platform errors with
// ChannelError so callers can tell a vanished message from a rate limit.
type MessageChannel interface {
	// Send posts a new status message into the target chat.
	Send(ctx context.Context, target Target, text string, controls []Button) (MessageRef, error)

	// Edit rewrites the referenced message. Editing a message that no
	// longer exists returns a KindNotFound error.
	Edit(ctx context.Context, target Target, ref MessageRef, text string, controls []Button) (MessageRef, error)

	// Pin pins the referenced message in its chat.
	Pin(ctx context.Context, target Target, ref MessageRef) error

	// Unpin removes a previously pinned message.
	Unpin(ctx context.Context, target Target, ref MessageRef) error
}

// ChatPlatform is the full surface a platform adapter implements: the
// delivery operations plus connection lifecycle and the inbound message feed
// that keeps the resolver supplied with chat identities.
type ChatPlatform interface {
	MessageChannel

	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound user messages. The channel is
	// closed when the adapter is closed. Listen must only be called after
	// Connect.
	Listen(ctx context.Context) (<-chan MessageEvent, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// ErrorKind partitions channel failures by how delivery should react.
type ErrorKind int

const (
	// KindTransient covers 5xx responses, timeouts and network failures.
	// Critical operations retry these with backoff.
	KindTransient ErrorKind = iota

	// KindRateLimited marks 429-style pushback. Trips the circuit breaker
	// for the whole chat, honoring the server's retry delay when present.
	KindRateLimited

	// KindNotFound means the message to edit no longer exists. The stored
	// ref is cleared and the next flush sends fresh.
	KindNotFound

	// KindNotModified means the platform rejected an edit because the
	// content was already identical. Treated as success.
	KindNotModified

	// KindPermanent covers other 4xx responses. Never retried.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindNotModified:
		return "not_modified"
	case KindPermanent:
		return "permanent"
	}
	return "unknown"
}

// ChannelError is a classified delivery failure. Channel implementations
// build these from their platform's structured errors; RetryAfter carries the
// server's requested wait for rate limits when the platform reports one.
type ChannelError struct {
	Kind       ErrorKind
	Op         string
	Code       int
	RetryAfter time.Duration
	Err        error
}

func (e *ChannelError) Error() string {
	msg := fmt.Sprintf("semaphore: %s: %s", e.Op, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ErrPaused is returned when the circuit breaker is holding a chat closed.
var ErrPaused = errors.New("semaphore: chat paused by circuit breaker")

// classify normalizes an error from a channel call. Structured ChannelErrors
// pass through; anything else falls back to substring matching as a shim for
// clients that only surface text, defaulting to transient so unknown network
// failures stay retryable.
func classify(op string, err error) *ChannelError {
	var cerr *ChannelError
	if errors.As(err, &cerr) {
		if cerr.Op == "" {
			cerr.Op = op
		}
		return cerr
	}
	kind := KindTransient
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "message is not modified"),
		strings.Contains(msg, "not modified"):
		kind = KindNotModified
	case strings.Contains(msg, "message to edit not found"),
		strings.Contains(msg, "message not found"),
		strings.Contains(msg, "unknown message"):
		kind = KindNotFound
	case strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"):
		kind = KindRateLimited
	}
	return &ChannelError{Kind: kind, Op: op, Err: err}
}
