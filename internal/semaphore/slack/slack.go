// Package slack implements the semaphore ChatPlatform for Slack using
// Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/signalbox/internal/semaphore"
)

const (
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	AddPinContext(ctx context.Context, channel string, item slackapi.ItemRef) error
	RemovePinContext(ctx context.Context, channel string, item slackapi.ItemRef) error
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements semaphore.ChatPlatform for Slack Socket Mode. Messages
// are addressed by (channel, timestamp); the timestamp doubles as the message
// ID in refs. Delivery calls are single attempts that classify their
// failures; retry and pacing policy lives in the delivery layer.
type Adapter struct {
	client       slackClient
	socket       socketClient
	account      string
	botUserID    string
	appToken     string
	botToken     string
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan semaphore.MessageEvent
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	Account  string // signalbox account name stamped on resolved targets
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	if opts.Account == "" {
		opts.Account = "main"
	}

	a := &Adapter{
		account:      opts.Account,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		inbound:      make(chan semaphore.MessageEvent, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}
	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}
	return a, nil
}

var _ semaphore.ChatPlatform = (*Adapter)(nil)

// Connect establishes the Socket Mode WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Get bot user ID for self-message filtering.
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen returns a channel of inbound user messages. Starts the Socket Mode
// event pump in a background goroutine. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan semaphore.MessageEvent, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFunc = cancel
	a.mu.Unlock()

	// Start socket mode in background with reconnection logic.
	go a.runWithReconnect(listenCtx)

	// Pump events from socket mode to the inbound channel.
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Send posts a new status message into the target chat.
func (a *Adapter) Send(ctx context.Context, target semaphore.Target, text string, controls []semaphore.Button) (semaphore.MessageRef, error) {
	if err := a.requireConnected(); err != nil {
		return semaphore.MessageRef{}, err
	}
	if target.ChatID == "" {
		return semaphore.MessageRef{}, &semaphore.ChannelError{
			Kind: semaphore.KindPermanent, Op: "send",
			Err: fmt.Errorf("slack: no channel on target"),
		}
	}

	options := messageOptions(text, controls)
	if target.ThreadID != "" {
		options = append(options, slackapi.MsgOptionTS(target.ThreadID))
	}

	channel, ts, err := a.client.PostMessageContext(ctx, target.ChatID, options...)
	if err != nil {
		return semaphore.MessageRef{}, classifyErr("send", err)
	}
	return semaphore.MessageRef{ChatID: channel, MessageID: ts}, nil
}

// Edit rewrites the referenced message in place. A vanished message comes
// back as a KindNotFound error so the reporter recreates it.
func (a *Adapter) Edit(ctx context.Context, target semaphore.Target, ref semaphore.MessageRef, text string, controls []semaphore.Button) (semaphore.MessageRef, error) {
	if err := a.requireConnected(); err != nil {
		return semaphore.MessageRef{}, err
	}

	channel, ts, _, err := a.client.UpdateMessageContext(ctx, ref.ChatID, ref.MessageID, messageOptions(text, controls)...)
	if err != nil {
		return semaphore.MessageRef{}, classifyErr("edit", err)
	}
	return semaphore.MessageRef{ChatID: channel, MessageID: ts}, nil
}

// Pin pins the referenced message in its channel. An already pinned message
// is treated as success.
func (a *Adapter) Pin(ctx context.Context, target semaphore.Target, ref semaphore.MessageRef) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	item := slackapi.NewRefToMessage(ref.ChatID, ref.MessageID)
	if err := a.client.AddPinContext(ctx, ref.ChatID, item); err != nil {
		if err.Error() == "already_pinned" {
			return nil
		}
		return classifyErr("pin", err)
	}
	return nil
}

// Unpin removes a previously pinned message. A message that is not pinned is
// treated as success.
func (a *Adapter) Unpin(ctx context.Context, target semaphore.Target, ref semaphore.MessageRef) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	item := slackapi.NewRefToMessage(ref.ChatID, ref.MessageID)
	if err := a.client.RemovePinContext(ctx, ref.ChatID, item); err != nil {
		if err.Error() == "no_pin" || err.Error() == "not_pinned" {
			return nil
		}
		return classifyErr("unpin", err)
	}
	return nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return &semaphore.ChannelError{
			Kind: semaphore.KindTransient,
			Err:  fmt.Errorf("slack: not connected"),
		}
	}
	return nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		// Check if we're shutting down.
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to MessageEvents.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Acknowledge the event.
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		innerEvent := event.InnerEvent
		switch ev := innerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			a.handleMessage(ev.User, ev.BotID, ev.SubType, ev.Channel, ev.ThreadTimeStamp)
		case *slackevents.AppMentionEvent:
			a.handleMessage(ev.User, "", "", ev.Channel, ev.ThreadTimeStamp)
		}
	}
}

// handleMessage converts a Slack message into a semaphore MessageEvent.
func (a *Adapter) handleMessage(user, botID, subType, channel, threadTS string) {
	// Filter bot self-messages.
	if user == a.botUserID {
		return
	}
	// Filter bot messages and message subtypes (edits, deletes, etc.).
	if botID != "" || subType != "" {
		return
	}

	target := semaphore.Target{
		AccountID:      a.account,
		ConversationID: "slack:" + channel,
		ChatID:         channel,
		ThreadID:       threadTS,
	}
	a.inbound <- semaphore.MessageEvent{
		AccountID:      target.AccountID,
		SenderID:       user,
		ConversationID: target.ConversationID,
		ChatID:         target.ChatID,
		ThreadID:       target.ThreadID,
		SessionKey:     semaphore.SessionKeyFor(target),
	}
}

// messageOptions builds the Slack message payload: a markdown section with
// the status text, plus an action block when controls are attached. Blocks
// are always sent so an edit without controls strips previously attached
// buttons.
func messageOptions(text string, controls []semaphore.Button) []slackapi.MsgOption {
	blocks := []slackapi.Block{
		slackapi.NewSectionBlock(
			slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false), nil, nil),
	}
	if len(controls) > 0 {
		var buttons []slackapi.BlockElement
		for _, c := range controls {
			buttons = append(buttons, slackapi.NewButtonBlockElement(c.Action, c.Action,
				slackapi.NewTextBlockObject(slackapi.PlainTextType, c.Label, false, false)))
		}
		blocks = append(blocks, slackapi.NewActionBlock("status-controls", buttons...))
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(text, false),
		slackapi.MsgOptionBlocks(blocks...),
	}
}

// classifyErr maps slack-go failures onto the delivery error kinds. Web API
// failures surface as bare error strings from the response body, so those are
// matched by value.
func classifyErr(op string, err error) *semaphore.ChannelError {
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return &semaphore.ChannelError{
			Kind:       semaphore.KindRateLimited,
			Op:         op,
			Code:       429,
			RetryAfter: rle.RetryAfter,
			Err:        err,
		}
	}

	var sce slackapi.StatusCodeError
	if errors.As(err, &sce) {
		kind := semaphore.KindPermanent
		switch {
		case sce.Code == 429:
			kind = semaphore.KindRateLimited
		case sce.Code >= 500:
			kind = semaphore.KindTransient
		}
		return &semaphore.ChannelError{Kind: kind, Op: op, Code: sce.Code, Err: err}
	}

	switch err.Error() {
	case "message_not_found":
		return &semaphore.ChannelError{Kind: semaphore.KindNotFound, Op: op, Err: err}
	case "channel_not_found", "not_in_channel", "is_archived", "invalid_auth",
		"account_inactive", "token_revoked", "cant_update_message", "msg_too_long",
		"restricted_action":
		return &semaphore.ChannelError{Kind: semaphore.KindPermanent, Op: op, Err: err}
	case "ratelimited", "rate_limited", "message_limit_exceeded":
		return &semaphore.ChannelError{Kind: semaphore.KindRateLimited, Op: op, Err: err}
	}
	// Includes internal_error and friends; a retry is the right call.
	return &semaphore.ChannelError{Kind: semaphore.KindTransient, Op: op, Err: err}
}
