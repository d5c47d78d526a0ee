package formqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrDuplicateID = errors.New("formqueue: submission id already queued")

// Sender delivers one submission. A nil error means the endpoint accepted it.
type Sender interface {
	Send(ctx context.Context, s Submission) error
}

type SenderFunc func(ctx context.Context, s Submission) error

func (f SenderFunc) Send(ctx context.Context, s Submission) error {
	return f(ctx, s)
}

// Store is the pending-submission queue. Entries are drained oldest first.
type Store interface {
	Enqueue(ctx context.Context, s Submission) error
	PeekAll(ctx context.Context) ([]Submission, error)
	// DrainOrFail sends every queued submission in order, removing each one
	// as soon as it is accepted. It stops at the first failure, leaving that
	// submission and everything after it queued, and returns a *DrainError.
	DrainOrFail(ctx context.Context, sender Sender) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// DrainError reports where a drain stopped.
type DrainError struct {
	Sent int
	ID   string
	Err  error
}

func (e *DrainError) Error() string {
	return fmt.Sprintf("formqueue: drain stopped after %d sent at %s: %v", e.Sent, e.ID, e.Err)
}

func (e *DrainError) Unwrap() error {
	return e.Err
}

// MemoryStore is the volatile queue: it is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	drainMu sync.Mutex
	items   []Submission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Enqueue(_ context.Context, s Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.ID == s.ID {
			return ErrDuplicateID
		}
	}
	m.items = append(m.items, s)
	return nil
}

func (m *MemoryStore) PeekAll(_ context.Context) ([]Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Submission(nil), m.items...), nil
}

func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *MemoryStore) DrainOrFail(ctx context.Context, sender Sender) (int, error) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	sent := 0
	for {
		m.mu.Lock()
		if len(m.items) == 0 {
			m.mu.Unlock()
			return sent, nil
		}
		next := m.items[0]
		m.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return sent, &DrainError{Sent: sent, ID: next.ID, Err: err}
		}
		if err := sender.Send(ctx, next); err != nil {
			return sent, &DrainError{Sent: sent, ID: next.ID, Err: err}
		}

		m.mu.Lock()
		if len(m.items) > 0 && m.items[0].ID == next.ID {
			m.items = m.items[1:]
		}
		m.mu.Unlock()
		sent++
	}
}

func (m *MemoryStore) Close() error {
	return nil
}
