// Package bus is the in-memory inter-worker message bus. Delivery is
// pull-based: senders append to a recipient's inbox, readers poll with an
// after cursor.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
)

// DefaultMaxPerRecipient bounds each inbox; the oldest messages are dropped
// first when the cap is hit.
const DefaultMaxPerRecipient = 1000

// DefaultListLimit applies when a reader does not ask for a count.
const DefaultListLimit = 50

// Bus holds one bounded FIFO inbox per recipient.
type Bus struct {
	mu      sync.Mutex
	inboxes map[string][]domain.Message
	cap     int
	now     func() time.Time
	lastAt  int64

	archive func(domain.Message)
}

// Option configures a Bus.
type Option func(*Bus)

// WithCap overrides the per-recipient inbox bound.
func WithCap(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.cap = n
		}
	}
}

// WithClock replaces the clock (used by tests).
func WithClock(f func() time.Time) Option {
	return func(b *Bus) { b.now = f }
}

// WithArchive installs a hook invoked for every sent message.
func WithArchive(f func(domain.Message)) Option {
	return func(b *Bus) { b.archive = f }
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		inboxes: make(map[string][]domain.Message),
		cap:     DefaultMaxPerRecipient,
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Send appends a message to the recipient's inbox and returns it. CreatedAt
// stamps are strictly increasing per bus, so they double as read cursors even
// when two sends land in the same millisecond.
func (b *Bus) Send(from, to, topic, text string) domain.Message {
	b.mu.Lock()

	at := b.now().UnixMilli()
	if at <= b.lastAt {
		at = b.lastAt + 1
	}
	b.lastAt = at

	msg := domain.Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Topic:     topic,
		Text:      text,
		CreatedAt: at,
	}
	inbox := append(b.inboxes[to], msg)
	if len(inbox) > b.cap {
		inbox = inbox[len(inbox)-b.cap:]
	}
	b.inboxes[to] = inbox
	b.mu.Unlock()

	if b.archive != nil {
		b.archive(msg)
	}
	return msg
}

// List returns up to limit messages for the recipient with CreatedAt strictly
// greater than after, oldest first. limit <= 0 applies the default.
func (b *Bus) List(to string, after int64, limit int) []domain.Message {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	inbox := b.inboxes[to]
	out := make([]domain.Message, 0, limit)
	for _, m := range inbox {
		if m.CreatedAt <= after {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Depth returns the current inbox size for a recipient.
func (b *Bus) Depth(to string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inboxes[to])
}
