// Package discord implements the semaphore ChatPlatform for Discord using
// the Gateway WebSocket.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/signalbox/internal/semaphore"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessagePin(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessageUnpin(channelID, messageID string, options ...discordgo.RequestOption) error
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(m, options...)
}
func (r *realSession) ChannelMessagePin(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessagePin(channelID, messageID, options...)
}
func (r *realSession) ChannelMessageUnpin(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageUnpin(channelID, messageID, options...)
}

// Adapter implements semaphore.ChatPlatform for Discord. Delivery calls are
// single attempts that classify their failures; retry and pacing policy lives
// in the delivery layer, not here.
type Adapter struct {
	sess          session
	account       string
	botToken      string
	botUserID     string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan semaphore.MessageEvent
	cancelFunc    context.CancelFunc
	removeHandler func()
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	Account  string // signalbox account name stamped on resolved targets
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.Account == "" {
		opts.Account = "main"
	}

	a := &Adapter{
		account:  opts.Account,
		botToken: opts.BotToken,
		inbound:  make(chan semaphore.MessageEvent, 100),
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

var _ semaphore.ChatPlatform = (*Adapter)(nil)

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Capture the bot user ID on connect/reconnect for self-message filtering.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound user messages. Registers a message
// handler on the Gateway session. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan semaphore.MessageEvent, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	remove := a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})

	a.mu.Lock()
	a.cancelFunc = cancel
	a.removeHandler = remove
	a.mu.Unlock()

	// Deregister the handler once the listen context ends so nothing feeds
	// inbound after shutdown starts.
	go func() {
		<-listenCtx.Done()
		a.mu.Lock()
		if a.removeHandler != nil {
			a.removeHandler()
			a.removeHandler = nil
		}
		a.mu.Unlock()
	}()

	return a.inbound, nil
}

// Send posts a new status message into the target chat.
func (a *Adapter) Send(ctx context.Context, target semaphore.Target, text string, controls []semaphore.Button) (semaphore.MessageRef, error) {
	if err := a.requireConnected(); err != nil {
		return semaphore.MessageRef{}, err
	}

	// Discord threads are channels; a threaded target posts into the thread.
	channelID := target.ThreadID
	if channelID == "" {
		channelID = target.ChatID
	}
	if channelID == "" {
		return semaphore.MessageRef{}, &semaphore.ChannelError{
			Kind: semaphore.KindPermanent, Op: "send",
			Err: fmt.Errorf("discord: no channel on target"),
		}
	}

	msg, err := a.sess.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    text,
		Components: buttonRows(controls),
	})
	if err != nil {
		return semaphore.MessageRef{}, classifyErr("send", err)
	}
	return semaphore.MessageRef{ChatID: channelID, MessageID: msg.ID}, nil
}

// Edit rewrites the referenced message. A vanished message comes back as a
// KindNotFound error so the reporter recreates it.
func (a *Adapter) Edit(ctx context.Context, target semaphore.Target, ref semaphore.MessageRef, text string, controls []semaphore.Button) (semaphore.MessageRef, error) {
	if err := a.requireConnected(); err != nil {
		return semaphore.MessageRef{}, err
	}

	rows := buttonRows(controls)
	edit := &discordgo.MessageEdit{
		ID:         ref.MessageID,
		Channel:    ref.ChatID,
		Content:    &text,
		Components: &rows,
	}
	msg, err := a.sess.ChannelMessageEditComplex(edit)
	if err != nil {
		return semaphore.MessageRef{}, classifyErr("edit", err)
	}
	return semaphore.MessageRef{ChatID: msg.ChannelID, MessageID: msg.ID}, nil
}

// Pin pins the referenced message in its chat.
func (a *Adapter) Pin(ctx context.Context, target semaphore.Target, ref semaphore.MessageRef) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	if err := a.sess.ChannelMessagePin(ref.ChatID, ref.MessageID); err != nil {
		return classifyErr("pin", err)
	}
	return nil
}

// Unpin removes a previously pinned message.
func (a *Adapter) Unpin(ctx context.Context, target semaphore.Target, ref semaphore.MessageRef) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	if err := a.sess.ChannelMessageUnpin(ref.ChatID, ref.MessageID); err != nil {
		return classifyErr("unpin", err)
	}
	return nil
}

// Close gracefully shuts down the adapter connection.
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
	if a.removeHandler != nil {
		a.removeHandler()
		a.removeHandler = nil
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return &semaphore.ChannelError{
			Kind: semaphore.KindTransient,
			Err:  fmt.Errorf("discord: not connected"),
		}
	}
	return nil
}

// handleMessage converts a Discord message event to a semaphore MessageEvent.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	// Filter our own and other bots' messages.
	if m.Author.ID == botID || m.Author.Bot {
		return
	}

	// A message's ChannelID is the thread ID if it was sent inside a thread;
	// resolve the parent channel from the state cache.
	channelID := m.ChannelID
	threadID := ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channelID = ch.ParentID
		threadID = m.ChannelID
	}

	target := semaphore.Target{
		AccountID:      a.account,
		ConversationID: "discord:" + channelID,
		ChatID:         channelID,
		ThreadID:       threadID,
	}
	a.inbound <- semaphore.MessageEvent{
		AccountID:      target.AccountID,
		SenderID:       m.Author.ID,
		ConversationID: target.ConversationID,
		ChatID:         target.ChatID,
		ThreadID:       target.ThreadID,
		SessionKey:     semaphore.SessionKeyFor(target),
	}
}

// buttonRows translates controls into a single Discord action row.
func buttonRows(controls []semaphore.Button) []discordgo.MessageComponent {
	if len(controls) == 0 {
		return []discordgo.MessageComponent{}
	}
	row := discordgo.ActionsRow{}
	for _, c := range controls {
		row.Components = append(row.Components, discordgo.Button{
			Label:    c.Label,
			Style:    discordgo.SecondaryButton,
			CustomID: c.Action,
		})
	}
	return []discordgo.MessageComponent{row}
}

// classifyErr maps discordgo failures onto the delivery error kinds. REST
// errors carry a structured API code, which beats inspecting message text.
func classifyErr(op string, err error) *semaphore.ChannelError {
	if rle, ok := err.(*discordgo.RateLimitError); ok {
		return &semaphore.ChannelError{
			Kind:       semaphore.KindRateLimited,
			Op:         op,
			Code:       429,
			RetryAfter: rle.RetryAfter,
			Err:        err,
		}
	}

	restErr, ok := err.(*discordgo.RESTError)
	if !ok || restErr.Response == nil {
		// Network-level failure; worth retrying.
		return &semaphore.ChannelError{Kind: semaphore.KindTransient, Op: op, Err: err}
	}

	status := restErr.Response.StatusCode
	apiCode := 0
	if restErr.Message != nil {
		apiCode = restErr.Message.Code
	}

	switch {
	case status == 429:
		return &semaphore.ChannelError{
			Kind:       semaphore.KindRateLimited,
			Op:         op,
			Code:       status,
			RetryAfter: retryAfterFromBody(restErr.ResponseBody),
			Err:        err,
		}
	case apiCode == discordgo.ErrCodeUnknownMessage || status == 404:
		return &semaphore.ChannelError{Kind: semaphore.KindNotFound, Op: op, Code: apiCode, Err: err}
	case status >= 500:
		return &semaphore.ChannelError{Kind: semaphore.KindTransient, Op: op, Code: status, Err: err}
	default:
		return &semaphore.ChannelError{Kind: semaphore.KindPermanent, Op: op, Code: apiCode, Err: err}
	}
}

// retryAfterFromBody pulls the server's requested wait out of a 429 body.
func retryAfterFromBody(body []byte) time.Duration {
	if len(body) == 0 {
		return 0
	}
	var tmr discordgo.TooManyRequests
	if err := json.Unmarshal(body, &tmr); err != nil {
		return 0
	}
	return tmr.RetryAfter
}
