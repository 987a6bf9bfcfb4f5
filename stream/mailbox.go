package stream

import (
	"context"
	"errors"
	"sync"
)

var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is a single-slot frame buffer between the playing step and
// the producer. A new frame overwrites an unconsumed one, so the
// producer always sends the most recent frame.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  []byte
	closed bool

	dropped uint64
}

func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put never blocks
func (m *Mailbox) Put(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.frame != nil {
		m.dropped++
	}
	m.frame = frame
	m.cond.Signal()
}

// Take blocks until a frame is available, the mailbox is closed or ctx
// is done
func (m *Mailbox) Take(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.frame == nil && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if m.closed {
		return nil, ErrMailboxClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame := m.frame
	m.frame = nil
	return frame, nil
}

// Clear discards an unconsumed frame, used when the current step changes
func (m *Mailbox) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame = nil
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.frame = nil
	m.cond.Broadcast()
}

// Dropped returns how many frames were overwritten before being sent
func (m *Mailbox) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
