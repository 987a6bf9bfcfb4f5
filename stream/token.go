package stream

import (
	"context"
	"errors"
	"sync"
)

var ErrTokenClosed = errors.New("token closed")

// Token is a single-permit flow control primitive. The producer holds it
// from the moment it picks a frame for sending until the matching result
// came back, so there is never more than one frame in flight.
type Token struct {
	mu     sync.Mutex
	cond   *sync.Cond
	held   bool
	closed bool
}

func NewToken() *Token {
	t := &Token{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Acquire blocks until the permit is free. It fails when the token is
// closed or ctx is done.
func (t *Token) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.held && !t.closed && ctx.Err() == nil {
		t.cond.Wait()
	}
	if t.closed {
		return ErrTokenClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.held = true
	return nil
}

// Release returns the permit. Releasing a free token does nothing.
func (t *Token) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.held {
		return
	}
	t.held = false
	t.cond.Signal()
}

// Close drops any held permit and wakes all waiters
func (t *Token) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.held = false
	t.cond.Broadcast()
}

func (t *Token) Held() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}
