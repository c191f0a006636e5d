package semaphore

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxRetries  = 3
	defaultEditTimeout = 10 * time.Second
	defaultSendTimeout = 30 * time.Second
	defaultRetryBase   = time.Second
	retryMax           = 30 * time.Second
	defaultPace        = 50 * time.Millisecond
	defaultPaceBurst   = 5
)

// Delivery wraps a MessageChannel with the outbound policy: circuit breaker
// checks, per-account pacing, timeouts and retries. Edits are ephemeral; a
// failed edit is dropped because a newer render will replace it anyway.
// Sends, pins and unpins are critical and retry transient failures.
type Delivery struct {
	channel     MessageChannel
	breaker     *Breaker
	maxRetries  int
	editTimeout time.Duration
	sendTimeout time.Duration
	retryBase   time.Duration
	pace        time.Duration
	burst       int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type DeliveryOpts struct {
	Channel MessageChannel
	Breaker *Breaker

	// MaxRetries bounds retry attempts for critical operations. Defaults
	// to 3.
	MaxRetries int

	// EditTimeout caps a single ephemeral edit. Defaults to 10s.
	EditTimeout time.Duration

	// SendTimeout caps a single critical call. Defaults to 30s.
	SendTimeout time.Duration

	// RetryBase is the first retry delay; later attempts double it.
	// Defaults to 1s.
	RetryBase time.Duration

	// Pace is the minimum spacing between outbound calls per account.
	// Defaults to 50ms with a small burst allowance.
	Pace      time.Duration
	PaceBurst int
}

func NewDelivery(opts DeliveryOpts) (*Delivery, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("semaphore: delivery requires a channel")
	}
	if opts.Breaker == nil {
		opts.Breaker = NewBreaker()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.EditTimeout <= 0 {
		opts.EditTimeout = defaultEditTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.Pace <= 0 {
		opts.Pace = defaultPace
	}
	if opts.PaceBurst <= 0 {
		opts.PaceBurst = defaultPaceBurst
	}
	return &Delivery{
		channel:     opts.Channel,
		breaker:     opts.Breaker,
		maxRetries:  opts.MaxRetries,
		editTimeout: opts.EditTimeout,
		sendTimeout: opts.SendTimeout,
		retryBase:   opts.RetryBase,
		pace:        opts.Pace,
		burst:       opts.PaceBurst,
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// Breaker exposes the breaker shared with the reporter.
func (d *Delivery) Breaker() *Breaker {
	return d.breaker
}

func (d *Delivery) limiter(accountID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[accountID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.pace), d.burst)
		d.limiters[accountID] = lim
	}
	return lim
}

// Edit rewrites the status message. Ephemeral: one attempt, short timeout.
// A not-modified response counts as success and keeps the old ref.
func (d *Delivery) Edit(ctx context.Context, target Target, ref MessageRef, text string, controls []Button) (MessageRef, error) {
	out := ref
	err := d.run(ctx, target, "edit", false, func(ctx context.Context) error {
		got, err := d.channel.Edit(ctx, target, ref, text, controls)
		if err == nil {
			out = got
		}
		return err
	})
	if err != nil {
		return MessageRef{}, err
	}
	return out, nil
}

// Send posts a fresh status message. Critical: retried with backoff.
func (d *Delivery) Send(ctx context.Context, target Target, text string, controls []Button) (MessageRef, error) {
	var out MessageRef
	err := d.run(ctx, target, "send", true, func(ctx context.Context) error {
		got, err := d.channel.Send(ctx, target, text, controls)
		if err == nil {
			out = got
		}
		return err
	})
	if err != nil {
		return MessageRef{}, err
	}
	return out, nil
}

// Pin pins the status message. Critical.
func (d *Delivery) Pin(ctx context.Context, target Target, ref MessageRef) error {
	return d.run(ctx, target, "pin", true, func(ctx context.Context) error {
		return d.channel.Pin(ctx, target, ref)
	})
}

// Unpin removes the pin. Critical.
func (d *Delivery) Unpin(ctx context.Context, target Target, ref MessageRef) error {
	return d.run(ctx, target, "unpin", true, func(ctx context.Context) error {
		return d.channel.Unpin(ctx, target, ref)
	})
}

// run executes one channel operation under the outbound policy. Rate limits
// trip the breaker either way; critical operations then wait out the longer
// of the server hint and the backoff schedule before trying again.
func (d *Delivery) run(ctx context.Context, target Target, op string, critical bool, fn func(context.Context) error) error {
	attempts := 1
	timeout := d.editTimeout
	if critical {
		attempts = d.maxRetries + 1
		timeout = d.sendTimeout
	}

	for attempt := 0; ; attempt++ {
		if !d.breaker.CanProceed(target.AccountID, target.ChatID) {
			return &ChannelError{Kind: KindRateLimited, Op: op, Err: ErrPaused}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := d.limiter(target.AccountID).Wait(callCtx)
		if err == nil {
			err = fn(callCtx)
		}
		cancel()
		if err == nil {
			return nil
		}

		cerr := classify(op, err)
		switch cerr.Kind {
		case KindNotModified:
			return nil
		case KindNotFound, KindPermanent:
			return cerr
		case KindRateLimited:
			d.breaker.Trip(target.AccountID, target.ChatID, cerr.RetryAfter)
			if attempt >= attempts-1 {
				return cerr
			}
			wait := d.backoff(attempt)
			if cerr.RetryAfter > wait {
				wait = cerr.RetryAfter
			}
			log.Printf("semaphore: %s rate limited on chat %s, retrying in %s", op, target.ChatID, wait)
			if sleepCtx(ctx, wait) != nil {
				return cerr
			}
		default:
			if attempt >= attempts-1 {
				return cerr
			}
			if sleepCtx(ctx, d.backoff(attempt)) != nil {
				return cerr
			}
		}
	}
}

// backoff doubles per attempt from the base, capped, with up to half the
// delay again as jitter so concurrent retries spread out.
func (d *Delivery) backoff(attempt int) time.Duration {
	wait := d.retryBase << attempt
	if wait > retryMax || wait <= 0 {
		wait = retryMax
	}
	return wait + time.Duration(rand.Int63n(int64(wait/2+1)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
