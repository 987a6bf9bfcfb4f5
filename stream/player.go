package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/netsys-lab/edge-trace-client/packets"
	"github.com/netsys-lab/edge-trace-client/stepstore"
	log "github.com/sirupsen/logrus"
)

var ErrEmptyStep = errors.New("step has no frames")

// FrameSink receives the frames emitted by a playing step
type FrameSink func(frame []byte)

// StepPlayer holds the decoded frames of one step and replays them at a
// fixed rate. Once the last frame is reached it keeps emitting it until
// stopped.
type StepPlayer struct {
	index  int
	frames [][]byte
	period time.Duration

	mu   sync.Mutex
	pos  int
	stop chan struct{}
	done chan struct{}
}

func NewStepPlayer(index int, frames [][]byte, fps int) (*StepPlayer, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: step %d", ErrEmptyStep, index)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d", fps)
	}
	return &StepPlayer{
		index:  index,
		frames: frames,
		period: time.Second / time.Duration(fps),
	}, nil
}

// DecodeStep splits step media into frames. Media is a sequence of
// int32 length + frame bytes records.
func DecodeStep(r io.Reader) ([][]byte, error) {
	frames := make([][]byte, 0)
	for {
		frame, err := packets.ReadPayload(r)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt step media after %d frames: %w", len(frames), err)
		}
		frames = append(frames, frame)
	}
}

// EncodeStep is the inverse of DecodeStep
func EncodeStep(frames [][]byte) []byte {
	buf := make([]byte, 0)
	for _, f := range frames {
		buf = packets.AppendPayload(buf, f)
	}
	return buf
}

func (p *StepPlayer) Index() int {
	return p.index
}

func (p *StepPlayer) Len() int {
	return len(p.frames)
}

func (p *StepPlayer) Position() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *StepPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop != nil
}

// Start emits frames to sink from the current position. Starting a
// playing step does nothing.
func (p *StepPlayer) Start(sink FrameSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	log.Debugf("[StepPlayer] Starting step %d at frame %d", p.index, p.pos)
	go p.play(sink, p.stop, p.done)
}

func (p *StepPlayer) play(sink FrameSink, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		sink(p.nextFrame())
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (p *StepPlayer) nextFrame() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	frame := p.frames[p.pos]
	if p.pos < len(p.frames)-1 {
		p.pos++
	}
	return frame
}

// Stop halts playback and rewinds to the first frame. No frame is
// emitted once Stop returns.
func (p *StepPlayer) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	p.mu.Lock()
	p.pos = 0
	p.mu.Unlock()
}

// SeekBack moves the position back by n frames, clamped to the start
func (p *StepPlayer) SeekBack(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos -= n
	if p.pos < 0 {
		p.pos = 0
	}
	log.Debugf("[StepPlayer] Step %d rewound by %d frames to %d", p.index, n, p.pos)
}

// Loader creates the player for a 0-based step index
type Loader interface {
	Load(index int) (*StepPlayer, error)
}

// StoreLoader decodes steps from the local step store. Store files are
// keyed by the 1-based index.
type StoreLoader struct {
	Store *stepstore.Store
	FPS   int
}

var _ Loader = (*StoreLoader)(nil)

func (l *StoreLoader) Load(index int) (*StepPlayer, error) {
	r, err := l.Store.Open(index + 1)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	frames, err := DecodeStep(r)
	if err != nil {
		return nil, fmt.Errorf("step %d: %w", index, err)
	}
	log.Debugf("[StoreLoader] Decoded step %d, %d frames", index, len(frames))
	return NewStepPlayer(index, frames, l.FPS)
}
