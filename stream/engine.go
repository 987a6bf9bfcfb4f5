package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/netsys-lab/edge-trace-client/packets"
	"github.com/netsys-lab/edge-trace-client/runstats"
	log "github.com/sirupsen/logrus"
)

const METRICS_INTERVAL = 1 * time.Second

// Config holds the run parameters taken from the experiment config
type Config struct {
	NumSteps      int
	FPS           int
	RewindSeconds int
	MaxReplays    int
}

// Progress is a point-in-time view of a run
type Progress struct {
	CurrentStep    int    `json:"current_step"`
	FramesSent     int    `json:"frames_sent"`
	Mistakes       int    `json:"mistakes"`
	Replays        int    `json:"replays"`
	Dropped        uint64 `json:"dropped_frames"`
	InvalidResults int64  `json:"invalid_results"`
}

// Engine streams one task to the backend. A new Engine is created for
// every run.
type Engine struct {
	cfg     Config
	window  *Window
	token   *Token
	mailbox *Mailbox
	stats   *runstats.Stats
	gen     *packets.FrameGen
	handler *packets.ResultHandler

	mu         sync.Mutex
	framesSent int
	inFlight   int
	mistakes   int
	replays    int
}

func NewEngine(cfg Config, loader Loader, stats *runstats.Stats) *Engine {
	return &Engine{
		cfg:     cfg,
		window:  NewWindow(loader, cfg.NumSteps),
		token:   NewToken(),
		mailbox: NewMailbox(),
		stats:   stats,
		gen:     packets.NewFrameGen(),
		handler: packets.NewResultHandler(),
	}
}

func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Progress{
		CurrentStep:    e.window.CurrentIndex(),
		FramesSent:     e.framesSent,
		Mistakes:       e.mistakes,
		Replays:        e.replays,
		Dropped:        e.mailbox.Dropped(),
		InvalidResults: e.handler.Invalid(),
	}
}

// Run streams until the task is complete, ctx is done or a channel
// fails. It returns true only when the task was completed. The data
// channels are closed when Run returns.
func (e *Engine) Run(ctx context.Context, channels *packets.DataChannels) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	wg := sync.WaitGroup{}
	defer func() {
		cancel()
		e.token.Close()
		e.mailbox.Close()
		channels.Close()
		wg.Wait()
		e.window.Close()
	}()

	if e.cfg.NumSteps <= 0 {
		return true, nil
	}
	_, player, err := e.window.Advance(0)
	if err != nil {
		return false, err
	}
	player.Start(e.mailbox.Put)

	failures := make(chan error, 2)
	results := make(chan packets.Result)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := e.produce(ctx, channels.Video); err != nil {
			failures <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := e.receive(ctx, channels.Result, results); err != nil {
			failures <- err
		}
	}()
	go func() {
		defer wg.Done()
		e.tickMetrics(ctx, channels)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("[Engine] Run cancelled")
			return false, ctx.Err()
		case err := <-failures:
			log.Errorf("[Engine] Data channel failure: %v", err)
			return false, err
		case res := <-results:
			done, err := e.handleResult(res)
			if err != nil {
				return false, err
			}
			if done {
				return true, nil
			}
		}
	}
}

// produce sends one frame per token
func (e *Engine) produce(ctx context.Context, video packets.DataConn) error {
	frameID := 0
	for {
		if err := e.token.Acquire(ctx); err != nil {
			return nil
		}
		frame, err := e.mailbox.Take(ctx)
		if err != nil {
			return nil
		}

		frameID++
		msg, err := e.gen.Generate(frameID, frame)
		if err != nil {
			return err
		}
		if err := e.stats.RegisterSent(frameID); err != nil {
			return err
		}
		e.mu.Lock()
		e.inFlight = frameID
		e.framesSent++
		e.mu.Unlock()
		if _, err := video.Write(msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not send frame %d: %w", frameID, err)
		}
		log.Tracef("[Engine] Sent frame %d (%d bytes)", frameID, len(msg))
	}
}

// receive owns the result channel and forwards decoded results
func (e *Engine) receive(ctx context.Context, result packets.DataConn, out chan<- packets.Result) error {
	for {
		msg, err := packets.ReadPayload(result)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not read result: %w", err)
		}
		res, err := e.handler.Handle(msg)
		if err != nil {
			log.Warnf("[Engine] Dropping result: %v", err)
			continue
		}
		select {
		case out <- res:
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) tickMetrics(ctx context.Context, channels *packets.DataChannels) {
	ticker := time.NewTicker(METRICS_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			channels.Video.GetMetrics().Tick()
			channels.Result.GetMetrics().Tick()
			log.Debugf("[Engine] Video %d B/s, rolling RTT %.2f ms",
				channels.Video.GetMetrics().LastAverageWriteBandwidth(1), e.stats.RollingRTT())
		}
	}
}

// handleResult applies the feedback of one frame. Returns true once the
// task is complete.
func (e *Engine) handleResult(res packets.Result) (bool, error) {
	if err := e.stats.RegisterReceived(res.FrameID, res.Outcome); err != nil {
		return false, err
	}

	e.mu.Lock()
	matched := res.FrameID == e.inFlight
	if matched {
		e.inFlight = 0
	}
	e.mu.Unlock()
	if !matched {
		log.Warnf("[Engine] Ignoring feedback for frame %d, not in flight", res.FrameID)
		return false, nil
	}

	switch res.Outcome {
	case packets.OutcomeSuccess:
		if res.StepIndex != e.window.CurrentIndex() {
			e.mu.Lock()
			e.mistakes, e.replays = 0, 0
			e.mu.Unlock()
		}
		transition, player, err := e.window.Advance(res.StepIndex)
		if err != nil {
			if errors.Is(err, ErrInvalidStepIndex) {
				log.Errorf("[Engine] Backend sent invalid step index %d", res.StepIndex)
			}
			return false, err
		}
		switch transition {
		case TaskComplete:
			// keep the token, nothing else may be sent
			return true, nil
		case TransitionNone:
		default:
			e.mailbox.Clear()
			player.Start(e.mailbox.Put)
		}

	case packets.OutcomeMistake:
		e.mu.Lock()
		e.mistakes++
		rewind := e.replays < e.cfg.MaxReplays
		if rewind {
			e.replays++
		}
		mistakes, replays := e.mistakes, e.replays
		e.mu.Unlock()

		log.Debugf("[Engine] Mistake on frame %d (%d so far)", res.FrameID, mistakes)
		if rewind {
			if player := e.window.Current(); player != nil {
				player.SeekBack(e.cfg.RewindSeconds * e.cfg.FPS)
				log.Infof("[Engine] Replay %d of %d", replays, e.cfg.MaxReplays)
			}
		}
	}

	e.token.Release()
	return false, nil
}
