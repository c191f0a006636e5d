package semaphore

import (
	"context"
	"fmt"
	"sync"
)

// MockChannel is an in-memory MessageChannel for tests. It tracks which
// message ids exist per chat, so edits against a forgotten message return a
// not-found error the same way a real platform would, and lets tests script
// failures per operation.
type MockChannel struct {
	mu     sync.Mutex
	nextID int

	sends  []MockCall
	edits  []MockCall
	pins   []MessageRef
	unpins []MessageRef

	live     map[string]string
	failures map[string][]error
	attempts map[string]int
}

// MockCall records one delivery the channel received.
type MockCall struct {
	Target   Target
	Ref      MessageRef
	Text     string
	Controls []Button
}

func NewMockChannel() *MockChannel {
	return &MockChannel{
		live:     make(map[string]string),
		failures: make(map[string][]error),
		attempts: make(map[string]int),
	}
}

func (m *MockChannel) Send(ctx context.Context, target Target, text string, controls []Button) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailureLocked("send"); err != nil {
		return MessageRef{}, err
	}
	m.nextID++
	ref := MessageRef{ChatID: target.ChatID, MessageID: fmt.Sprintf("m%d", m.nextID)}
	m.live[ref.MessageID] = text
	m.sends = append(m.sends, MockCall{Target: target, Ref: ref, Text: text, Controls: controls})
	return ref, nil
}

func (m *MockChannel) Edit(ctx context.Context, target Target, ref MessageRef, text string, controls []Button) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailureLocked("edit"); err != nil {
		return MessageRef{}, err
	}
	if _, ok := m.live[ref.MessageID]; !ok {
		return MessageRef{}, &ChannelError{Kind: KindNotFound, Op: "edit", Err: fmt.Errorf("message %s not found", ref.MessageID)}
	}
	m.live[ref.MessageID] = text
	m.edits = append(m.edits, MockCall{Target: target, Ref: ref, Text: text, Controls: controls})
	return ref, nil
}

func (m *MockChannel) Pin(ctx context.Context, target Target, ref MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailureLocked("pin"); err != nil {
		return err
	}
	m.pins = append(m.pins, ref)
	return nil
}

func (m *MockChannel) Unpin(ctx context.Context, target Target, ref MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailureLocked("unpin"); err != nil {
		return err
	}
	m.unpins = append(m.unpins, ref)
	return nil
}

func (m *MockChannel) popFailureLocked(op string) error {
	m.attempts[op]++
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.failures[op] = queue[1:]
	return err
}

// --- Test helpers ---

// FailNext scripts an error for the next call of the given operation.
// Repeated calls queue up.
func (m *MockChannel) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Forget drops a delivered message, so the next edit against it fails with
// not-found.
func (m *MockChannel) Forget(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, messageID)
}

// Attempts counts how many times an operation was tried, failures included.
func (m *MockChannel) Attempts(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[op]
}

func (m *MockChannel) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func (m *MockChannel) EditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edits)
}

func (m *MockChannel) PinCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pins)
}

// Text returns the current content of a live message.
func (m *MockChannel) Text(messageID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.live[messageID]
	return text, ok
}

// LastSend returns the most recent send, if any.
func (m *MockChannel) LastSend() (MockCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sends) == 0 {
		return MockCall{}, false
	}
	return m.sends[len(m.sends)-1], true
}

// LastEdit returns the most recent edit, if any.
func (m *MockChannel) LastEdit() (MockCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		return MockCall{}, false
	}
	return m.edits[len(m.edits)-1], true
}
