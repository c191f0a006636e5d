package semaphore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDelivery(t *testing.T, mock *MockChannel) *Delivery {
	t.Helper()
	d, err := NewDelivery(DeliveryOpts{
		Channel:   mock,
		RetryBase: time.Millisecond,
		Pace:      time.Microsecond,
	})
	if err != nil {
		t.Fatalf("new delivery: %v", err)
	}
	return d
}

func deliveryTarget() Target {
	return Target{AccountID: "main", ConversationID: "discord:42", ChatID: "42"}
}

func TestDelivery_EditDoesNotRetry(t *testing.T) {
	mock := NewMockChannel()
	d := newTestDelivery(t, mock)
	ctx := context.Background()

	ref, err := d.Send(ctx, deliveryTarget(), "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	mock.FailNext("edit", errors.New("connection reset"))
	if _, err := d.Edit(ctx, deliveryTarget(), ref, "update", nil); err == nil {
		t.Fatal("expected the edit to fail")
	}
	if got := mock.Attempts("edit"); got != 1 {
		t.Errorf("edit attempts = %d, want exactly 1", got)
	}
}

func TestDelivery_SendRetriesTransientFailures(t *testing.T) {
	mock := NewMockChannel()
	d := newTestDelivery(t, mock)

	mock.FailNext("send", errors.New("connection reset"))
	mock.FailNext("send", errors.New("i/o timeout"))
	ref, err := d.Send(context.Background(), deliveryTarget(), "hello", nil)
	if err != nil {
		t.Fatalf("send should have recovered: %v", err)
	}
	if ref.MessageID == "" {
		t.Error("missing ref after recovery")
	}
	if got := mock.Attempts("send"); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}
}

func TestDelivery_SendGivesUpAfterRetryBudget(t *testing.T) {
	mock := NewMockChannel()
	d, err := NewDelivery(DeliveryOpts{
		Channel:    mock,
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
		Pace:       time.Microsecond,
	})
	if err != nil {
		t.Fatalf("new delivery: %v", err)
	}
	for i := 0; i < 5; i++ {
		mock.FailNext("send", errors.New("connection reset"))
	}

	if _, err := d.Send(context.Background(), deliveryTarget(), "hello", nil); err == nil {
		t.Fatal("expected exhaustion")
	}
	if got := mock.Attempts("send"); got != 3 {
		t.Errorf("send attempts = %d, want MaxRetries+1 = 3", got)
	}
}

func TestDelivery_PermanentErrorNotRetried(t *testing.T) {
	mock := NewMockChannel()
	d := newTestDelivery(t, mock)

	mock.FailNext("send", &ChannelError{Kind: KindPermanent, Code: 403})
	_, err := d.Send(context.Background(), deliveryTarget(), "hello", nil)
	var cerr *ChannelError
	if !errors.As(err, &cerr) || cerr.Kind != KindPermanent {
		t.Fatalf("err = %v, want permanent", err)
	}
	if got := mock.Attempts("send"); got != 1 {
		t.Errorf("send attempts = %d, want 1", got)
	}
}

func TestDelivery_RateLimitTripsBreaker(t *testing.T) {
	mock := NewMockChannel()
	d := newTestDelivery(t, mock)
	ctx := context.Background()

	ref, err := d.Send(ctx, deliveryTarget(), "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	mock.FailNext("edit", &ChannelError{Kind: KindRateLimited, RetryAfter: time.Hour})
	if _, err := d.Edit(ctx, deliveryTarget(), ref, "update", nil); err == nil {
		t.Fatal("expected rate limit error")
	}
	if d.Breaker().CanProceed("main", "42") {
		t.Error("breaker should be tripped")
	}

	// Further calls short-circuit on the breaker without touching the
	// channel at all.
	before := mock.Attempts("edit")
	_, err = d.Edit(ctx, deliveryTarget(), ref, "again", nil)
	var cerr *ChannelError
	if !errors.As(err, &cerr) || cerr.Kind != KindRateLimited {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if !errors.Is(err, ErrPaused) {
		t.Error("expected the paused sentinel")
	}
	if mock.Attempts("edit") != before {
		t.Error("paused delivery still reached the channel")
	}
}

func TestDelivery_SendRecoversAfterShortRateLimit(t *testing.T) {
	mock := NewMockChannel()
	d := newTestDelivery(t, mock)

	mock.FailNext("send", &ChannelError{Kind: KindRateLimited, RetryAfter: 5 * time.Millisecond})
	ref, err := d.Send(context.Background(), deliveryTarget(), "hello", nil)
	if err != nil {
		t.Fatalf("send should have waited out the hint: %v", err)
	}
	if ref.MessageID == "" {
		t.Error("missing ref")
	}
	if got := mock.Attempts("send"); got != 2 {
		t.Errorf("send attempts = %d, want 2", got)
	}
}

func TestDelivery_NotModifiedIsSuccess(t *testing.T) {
	mock := NewMockChannel()
	d := newTestDelivery(t, mock)
	ctx := context.Background()

	ref, err := d.Send(ctx, deliveryTarget(), "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	mock.FailNext("edit", &ChannelError{Kind: KindNotModified})
	got, err := d.Edit(ctx, deliveryTarget(), ref, "hello", nil)
	if err != nil {
		t.Fatalf("not-modified should be success: %v", err)
	}
	if !got.Same(ref) {
		t.Errorf("ref = %+v, want the original kept", got)
	}
}

func TestDelivery_NotFoundSurfacesImmediately(t *testing.T) {
	mock := NewMockChannel()
	d := newTestDelivery(t, mock)
	ctx := context.Background()

	ghost := MessageRef{ChatID: "42", MessageID: "missing"}
	_, err := d.Edit(ctx, deliveryTarget(), ghost, "text", nil)
	var cerr *ChannelError
	if !errors.As(err, &cerr) || cerr.Kind != KindNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
	if got := mock.Attempts("edit"); got != 1 {
		t.Errorf("edit attempts = %d, want 1", got)
	}
}
