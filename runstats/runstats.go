// Package runstats records per-frame timings of a single run.
//
// A Stats instance goes through Init → Register* → Finish. Once finished
// it is sealed and can be turned into a Record for upload. Calls made
// out of that order fail with a *UsageError.
package runstats

import (
	"fmt"
	"sync"

	"github.com/netsys-lab/edge-trace-client/packets"
	"github.com/netsys-lab/edge-trace-client/sutils"
	log "github.com/sirupsen/logrus"
)

const STAT_WINDOW_SIZE = 15

// Clock is the synchronized time source used for every timestamp
type Clock interface {
	NowMillis() float64
	GetOffset() float64
	GetOffsetError() float64
}

// UsageError reports an operation invoked out of lifecycle order
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("runstats: %s: %s", e.Op, e.Reason)
}

// Frame is a completed frame: sent, answered and tagged
type Frame struct {
	ID       int             `json:"id"`
	Sent     float64         `json:"sent"`
	Received float64         `json:"received"`
	Feedback packets.Outcome `json:"feedback"`
}

func (f Frame) RTT() float64 {
	return f.Received - f.Sent
}

// Record is the sealed, serializable form of a run
type Record struct {
	Begin          float64 `json:"begin"`
	End            float64 `json:"end"`
	Success        bool    `json:"success"`
	NTPOffset      float64 `json:"ntp_offset"`
	NTPOffsetError float64 `json:"ntp_offset_error"`
	Frames         []Frame `json:"frames"`
}

type Stats struct {
	mu    sync.Mutex
	clock Clock

	initialized bool
	finished    bool
	begin       float64
	end         float64
	success     bool

	outgoing map[int]float64
	frames   []Frame
	rtt      *sutils.RollingWindow
}

func New(clock Clock) *Stats {
	return &Stats{
		clock:    clock,
		outgoing: make(map[int]float64),
		frames:   make([]Frame, 0),
		rtt:      sutils.NewRollingWindow(STAT_WINDOW_SIZE),
	}
}

func (s *Stats) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return &UsageError{Op: "init", Reason: "already initialized"}
	}
	s.initialized = true
	s.begin = s.clock.NowMillis()
	return nil
}

// Finish seals the record
func (s *Stats) Finish(success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return &UsageError{Op: "finish", Reason: "not initialized"}
	}
	if s.finished {
		return &UsageError{Op: "finish", Reason: "already finished"}
	}
	end := s.clock.NowMillis()
	if end < s.begin {
		end = s.begin
	}
	s.end = end
	s.success = success
	s.finished = true

	if pending := len(s.outgoing); pending > 0 {
		log.Debugf("[RunStats] Dropping %d unanswered frames", pending)
	}
	s.outgoing = make(map[int]float64)
	return nil
}

func (s *Stats) checkActive(op string) error {
	if !s.initialized {
		return &UsageError{Op: op, Reason: "not initialized"}
	}
	if s.finished {
		return &UsageError{Op: op, Reason: "already finished"}
	}
	return nil
}

func (s *Stats) RegisterSent(frameID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActive("register sent"); err != nil {
		return err
	}
	s.outgoing[frameID] = s.clock.NowMillis()
	return nil
}

// RegisterReceived completes a sent frame. Feedback for a frame that was
// never registered (or already completed) is logged and dropped.
func (s *Stats) RegisterReceived(frameID int, outcome packets.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActive("register received"); err != nil {
		return err
	}

	in := s.clock.NowMillis()
	out, ok := s.outgoing[frameID]
	if !ok {
		log.Warnf("[RunStats] Got reply for frame %d but couldn't find it in the list of sent frames!", frameID)
		return nil
	}
	delete(s.outgoing, frameID)
	if in < out {
		in = out
	}

	f := Frame{ID: frameID, Sent: out, Received: in, Feedback: outcome}
	s.frames = append(s.frames, f)
	s.rtt.Add(f.RTT())
	return nil
}

// Pending returns the number of frames sent but not yet answered
func (s *Stats) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outgoing)
}

// RollingRTT is the mean RTT of the last STAT_WINDOW_SIZE frames
func (s *Stats) RollingRTT() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt.Mean()
}

// Frames returns a copy of the completed frames in completion order
func (s *Stats) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([]Frame, len(s.frames))
	copy(frames, s.frames)
	return frames
}

func (s *Stats) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *Stats) Succeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished && s.success
}

// Record returns the sealed record for upload
func (s *Stats) Record() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, &UsageError{Op: "record", Reason: "not initialized"}
	}
	if !s.finished {
		return nil, &UsageError{Op: "record", Reason: "not finished"}
	}
	frames := make([]Frame, len(s.frames))
	copy(frames, s.frames)
	return &Record{
		Begin:          s.begin,
		End:            s.end,
		Success:        s.success,
		NTPOffset:      s.clock.GetOffset(),
		NTPOffsetError: s.clock.GetOffsetError(),
		Frames:         frames,
	}, nil
}
