// Package queue provides the durable job queue behind the export pipeline.
// It defines the Queue interface, an in-memory implementation suitable for
// testing and development, and a Redis-backed implementation for production.
//
// Delivery is at-least-once: a message that is dequeued but never acked can
// be delivered again. Consumers must therefore be idempotent or record enough
// state to make redelivery harmless.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrNotPending  = errors.New("message is not pending acknowledgement")
)

// Message is one queued export request.
type Message struct {
	ID      string `json:"id"`
	Queue   string `json:"queue"`
	Body    []byte `json:"body"`
	Attempt int    `json:"attempt"` // 1-based delivery attempt
}

// Config controls retry behaviour. Attempts are deliberately few: repeated
// export failures usually indicate a systemic problem (storage outage,
// malformed filter) rather than a transient one.
type Config struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultConfig returns the retry policy used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 2,
		Backoff:     30 * time.Second,
	}
}

// Queue is a durable, at-least-once delivery queue.
type Queue interface {
	// Enqueue appends a message body to the named queue.
	Enqueue(ctx context.Context, queue string, body []byte) (string, error)
	// Dequeue blocks until a message is available on the named queue or the
	// context is cancelled.
	Dequeue(ctx context.Context, queue string) (*Message, error)
	// Ack marks a dequeued message as fully processed.
	Ack(ctx context.Context, msg *Message) error
	// Nack schedules a redelivery after the backoff interval, or moves the
	// message to the dead-letter list once its attempt budget is spent.
	Nack(ctx context.Context, msg *Message) error
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// Memory is a thread-safe, in-memory Queue for testing and development.
// Nacked messages are redelivered after the configured backoff on a timer.
type Memory struct {
	cfg     Config
	mu      sync.Mutex
	ready   map[string]chan *Message
	pending map[string]*Message
	dead    []*Message
	closed  bool
}

// NewMemory returns a ready-to-use in-memory queue.
func NewMemory(cfg Config) *Memory {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Memory{
		cfg:     cfg,
		ready:   make(map[string]chan *Message),
		pending: make(map[string]*Message),
	}
}

func (m *Memory) channel(queue string) chan *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.ready[queue]
	if !ok {
		ch = make(chan *Message, 1024)
		m.ready[queue] = ch
	}
	return ch
}

func (m *Memory) Enqueue(_ context.Context, queue string, body []byte) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrQueueClosed
	}
	m.mu.Unlock()

	msg := &Message{
		ID:      uuid.New().String(),
		Queue:   queue,
		Body:    body,
		Attempt: 1,
	}
	select {
	case m.channel(queue) <- msg:
		return msg.ID, nil
	default:
		return "", errors.New("queue full")
	}
}

func (m *Memory) Dequeue(ctx context.Context, queue string) (*Message, error) {
	select {
	case msg := <-m.channel(queue):
		m.mu.Lock()
		m.pending[msg.ID] = msg
		m.mu.Unlock()
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) Ack(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[msg.ID]; !ok {
		return ErrNotPending
	}
	delete(m.pending, msg.ID)
	return nil
}

func (m *Memory) Nack(_ context.Context, msg *Message) error {
	m.mu.Lock()
	if _, ok := m.pending[msg.ID]; !ok {
		m.mu.Unlock()
		return ErrNotPending
	}
	delete(m.pending, msg.ID)

	if msg.Attempt >= m.cfg.MaxAttempts {
		m.dead = append(m.dead, msg)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	redelivery := &Message{
		ID:      msg.ID,
		Queue:   msg.Queue,
		Body:    msg.Body,
		Attempt: msg.Attempt + 1,
	}
	time.AfterFunc(m.cfg.Backoff, func() {
		select {
		case m.channel(redelivery.Queue) <- redelivery:
		default:
		}
	})
	return nil
}

// Dead returns a copy of the dead-letter list.
func (m *Memory) Dead() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.dead))
	copy(out, m.dead)
	return out
}

// Close rejects further enqueues.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
