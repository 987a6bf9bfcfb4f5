package stream

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidStepIndex = errors.New("invalid step index")
	ErrWindowClosed     = errors.New("window closed")
)

// Transition describes what an Advance did to the window
type Transition int

const (
	TransitionNone Transition = iota
	TransitionForward
	TransitionBackward
	TransitionJump
	TaskComplete
)

func (t Transition) String() string {
	switch t {
	case TransitionForward:
		return "forward"
	case TransitionBackward:
		return "backward"
	case TransitionJump:
		return "jump"
	case TaskComplete:
		return "complete"
	}
	return "none"
}

// slot is a step being loaded or ready. done is closed once player or
// err is set. gen is the last generation the slot was part of the window;
// a slot left behind by a newer generation is stale.
type slot struct {
	index  int
	gen    uint64
	player *StepPlayer
	err    error
	done   chan struct{}
}

func (s *slot) wait() (*StepPlayer, error) {
	<-s.done
	return s.player, s.err
}

func (s *slot) ready() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Window caches the previous, current and next step around the step
// being played. Neighbours are prefetched in the background.
type Window struct {
	mu       sync.Mutex
	loader   Loader
	numSteps int

	prev, cur, next *slot
	current         int
	generation      uint64
	closed          bool
	staleLoads      int

	wg sync.WaitGroup
}

func NewWindow(loader Loader, numSteps int) *Window {
	return &Window{
		loader:   loader,
		numSteps: numSteps,
		current:  -1,
	}
}

// CurrentIndex returns the 0-based index of the current step, -1 before
// the first Advance
func (w *Window) CurrentIndex() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Current returns the player of the current step, nil if none
func (w *Window) Current() *StepPlayer {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil || !w.cur.ready() {
		return nil
	}
	return w.cur.player
}

func (w *Window) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

// Advance moves the window to step i. The returned player is the new
// current step; it is not started.
func (w *Window) Advance(i int) (Transition, *StepPlayer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return TransitionNone, nil, ErrWindowClosed
	}
	if i < 0 || i > w.numSteps {
		return TransitionNone, nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidStepIndex, i, w.numSteps)
	}
	if i == w.numSteps {
		log.Infof("[Window] Reached step %d of %d, task complete", i, w.numSteps)
		w.generation++
		w.discard(w.prev, w.cur, w.next)
		w.prev, w.cur, w.next = nil, nil, nil
		return TaskComplete, nil, nil
	}
	if i == w.current && w.cur != nil {
		return TransitionNone, w.cur.player, nil
	}

	w.generation++
	var transition Transition
	switch {
	case i == w.current+1 && w.cur != nil:
		transition = TransitionForward
		w.discard(w.prev)
		w.stop(w.cur)
		w.prev, w.cur, w.next = w.cur, w.next, nil
	case i == w.current-1 && w.cur != nil:
		transition = TransitionBackward
		w.discard(w.next)
		w.stop(w.cur)
		w.prev, w.cur, w.next = nil, w.prev, w.cur
	default:
		transition = TransitionJump
		w.discard(w.prev, w.cur, w.next)
		w.prev, w.cur, w.next = nil, nil, nil
	}
	w.current = i
	w.restamp()

	player, err := w.resolveCurrent()
	if err != nil {
		w.cur = nil
		return TransitionNone, nil, err
	}

	if w.next == nil && i+1 < w.numSteps {
		w.next = w.prefetch(i + 1)
	}
	if w.prev == nil && i-1 >= 0 {
		w.prev = w.prefetch(i - 1)
	}

	log.Debugf("[Window] %s to step %d (generation %d)", transition, i, w.generation)
	return transition, player, nil
}

// resolveCurrent makes sure the current slot holds a usable player.
// A pending prefetch is waited for instead of decoding the step again.
func (w *Window) resolveCurrent() (*StepPlayer, error) {
	if w.cur != nil {
		player, err := w.cur.wait()
		if err == nil {
			return player, nil
		}
		log.Warnf("[Window] Prefetch of step %d failed (%v), loading again", w.current, err)
	}

	player, err := w.loader.Load(w.current)
	if err != nil {
		return nil, fmt.Errorf("could not load step %d: %w", w.current, err)
	}
	w.cur = &slot{index: w.current, gen: w.generation, player: player, done: closedChan()}
	return player, nil
}

// prefetch loads index in the background. Must be called with w.mu held.
func (w *Window) prefetch(index int) *slot {
	s := &slot{index: index, gen: w.generation, done: make(chan struct{})}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		s.player, s.err = w.loader.Load(index)
		close(s.done)

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed || s.gen != w.generation {
			w.staleLoads++
			log.Debugf("[Window] Discarding stale prefetch of step %d (generation %d, now %d)", index, s.gen, w.generation)
			return
		}
		if s.err != nil {
			log.Warnf("[Window] Prefetch of step %d failed: %v", index, s.err)
		}
	}()
	return s
}

// restamp carries the slots still in the window over to the current
// generation
func (w *Window) restamp() {
	for _, s := range []*slot{w.prev, w.cur, w.next} {
		if s != nil {
			s.gen = w.generation
		}
	}
}

// stop halts a slot's player and keeps it cached
func (w *Window) stop(s *slot) {
	if s != nil && s.ready() && s.player != nil {
		s.player.Stop()
	}
}

// discard evicts slots. Pending loads finish in the background and are
// dropped when they complete.
func (w *Window) discard(slots ...*slot) {
	for _, s := range slots {
		w.stop(s)
	}
}

// Close stops all steps and waits for pending prefetches
func (w *Window) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.generation++
	w.discard(w.prev, w.cur, w.next)
	w.prev, w.cur, w.next = nil, nil, nil
	w.mu.Unlock()

	w.wg.Wait()
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
