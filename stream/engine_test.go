package stream

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/netsys-lab/edge-trace-client/ntpsync"
	"github.com/netsys-lab/edge-trace-client/packets"
	"github.com/netsys-lab/edge-trace-client/runstats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	status string
	index  int
	// sent verbatim instead of an encoded result when set
	raw string
}

// fakeBackend answers every frame according to a script. A nil reply
// means no answer at all.
type fakeBackend struct {
	t      *testing.T
	video  net.Conn
	result net.Conn
	script func(frame int) *reply

	mu       sync.Mutex
	received []int
	overlaps int
}

func newFakeBackend(t *testing.T, script func(int) *reply) (*fakeBackend, *packets.DataChannels) {
	vc, vs := net.Pipe()
	rc, rs := net.Pipe()
	b := &fakeBackend{t: t, video: vs, result: rs, script: script}
	channels := &packets.DataChannels{
		Video:  packets.NewMonitoredConn(vc, packets.ConnectionTypes.Video),
		Result: packets.NewMonitoredConn(rc, packets.ConnectionTypes.Result),
	}
	go b.serve()
	return b, channels
}

func (b *fakeBackend) serve() {
	frames := make(chan int, 16)
	go func() {
		defer close(frames)
		for {
			header, err := packets.ReadPayload(b.video)
			if err != nil {
				return
			}
			if _, err := packets.ReadPayload(b.video); err != nil {
				return
			}
			vh := packets.VideoHeader{}
			if json.Unmarshal(header, &vh) != nil {
				return
			}
			frames <- vh.FrameID
		}
	}()

	for id := range frames {
		b.mu.Lock()
		b.received = append(b.received, id)
		b.mu.Unlock()

		// no other frame may arrive while this one is unanswered
		select {
		case extra, ok := <-frames:
			if ok {
				b.mu.Lock()
				b.overlaps++
				b.received = append(b.received, extra)
				b.mu.Unlock()
			}
		case <-time.After(5 * time.Millisecond):
		}

		r := b.script(id)
		if r == nil {
			continue
		}
		msg := packets.AppendPayload(nil, []byte(r.raw))
		if r.raw == "" {
			var err error
			msg, err = packets.EncodeResult(id, r.status, r.index)
			require.NoError(b.t, err)
		}
		if _, err := b.result.Write(msg); err != nil {
			return
		}
	}
}

func (b *fakeBackend) frames() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.received...)
}

func newRunStats(t *testing.T) *runstats.Stats {
	stats := runstats.New(ntpsync.NewStatic(0, 0, 0, 0))
	require.NoError(t, stats.Init())
	return stats
}

func Test_Engine_CompletesTask(t *testing.T) {
	script := map[int]*reply{
		1: {status: "success", index: 0},
		2: {status: "success", index: -1},
		3: {status: "error", index: 0},
		4: {status: "success", index: 1},
		5: {status: "success", index: 2},
		6: {status: "success", index: 3},
	}
	backend, channels := newFakeBackend(t, func(id int) *reply { return script[id] })
	stats := newRunStats(t)
	loader := newCountingLoader()
	engine := NewEngine(Config{NumSteps: 3, FPS: 100, RewindSeconds: 1, MaxReplays: 2}, loader, stats)

	ok, err := engine.Run(context.Background(), channels)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, stats.Finish(ok))

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, backend.frames())
	assert.Zero(t, backend.overlaps)

	frames := stats.Frames()
	require.Len(t, frames, 6)
	outcomes := []packets.Outcome{}
	for i, f := range frames {
		assert.Equal(t, i+1, f.ID)
		assert.GreaterOrEqual(t, f.Received, f.Sent)
		outcomes = append(outcomes, f.Feedback)
	}
	assert.Equal(t, []packets.Outcome{
		packets.OutcomeSuccess, packets.OutcomeMistake, packets.OutcomeNoResult,
		packets.OutcomeSuccess, packets.OutcomeSuccess, packets.OutcomeSuccess,
	}, outcomes)

	written, _ := channels.Video.GetMetrics().Totals()
	assert.Greater(t, written, int64(0))
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, loader.count(i))
	}
	assert.Equal(t, 6, engine.Progress().FramesSent)
}

// answerMistakes answers the first n frames with a mistake, each once the
// current player has reached position pos. The position seen right before
// answering is sent on seen.
func answerMistakes(engine *Engine, pos, n int, seen chan<- int) func(int) *reply {
	return func(id int) *reply {
		if id > n {
			return nil
		}
		current := 0
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if p := engine.window.Current(); p != nil {
				if current = p.Position(); current >= pos {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
		seen <- current
		return &reply{status: "success", index: -1}
	}
}

func runInBackground(engine *Engine, channels *packets.DataChannels) (context.CancelFunc, chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(ctx, channels)
		done <- err
	}()
	return cancel, done
}

func Test_Engine_MistakeBudget(t *testing.T) {
	t.Run("Counters", func(t *testing.T) {
		backend, channels := newFakeBackend(t, func(id int) *reply {
			if id <= 3 {
				return &reply{status: "success", index: -1}
			}
			return nil
		})
		engine := NewEngine(Config{NumSteps: 2, FPS: 100, RewindSeconds: 1, MaxReplays: 2}, newCountingLoader(), newRunStats(t))
		cancel, done := runInBackground(engine, channels)

		require.Eventually(t, func() bool { return len(backend.frames()) >= 4 }, 2*time.Second, 5*time.Millisecond)
		progress := engine.Progress()
		assert.Equal(t, 3, progress.Mistakes)
		assert.Equal(t, 2, progress.Replays)
		assert.Equal(t, 0, progress.CurrentStep)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("Mistake rewinds the player until the budget is spent", func(t *testing.T) {
		loader := newCountingLoader()
		loader.frames = 500
		engine := NewEngine(Config{NumSteps: 1, FPS: 100, RewindSeconds: 1, MaxReplays: 1}, loader, newRunStats(t))
		seen := make(chan int, 2)
		_, channels := newFakeBackend(t, answerMistakes(engine, 150, 2, seen))
		cancel, done := runInBackground(engine, channels)
		defer func() {
			cancel()
			<-done
		}()

		before := <-seen
		require.GreaterOrEqual(t, before, 150)
		require.Eventually(t, func() bool {
			return engine.window.Current().Position() < before
		}, 2*time.Second, 2*time.Millisecond)
		after := engine.window.Current().Position()
		assert.GreaterOrEqual(t, after, before-100)
		assert.InDelta(t, before-100, after, 50)

		// second mistake is past the budget
		before = <-seen
		require.Eventually(t, func() bool { return engine.Progress().Mistakes == 2 }, 2*time.Second, 2*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.GreaterOrEqual(t, engine.window.Current().Position(), before)
		assert.Equal(t, 1, engine.Progress().Replays)
	})

	t.Run("Rewind is clamped at the first frame", func(t *testing.T) {
		loader := newCountingLoader()
		loader.frames = 500
		engine := NewEngine(Config{NumSteps: 1, FPS: 100, RewindSeconds: 1, MaxReplays: 1}, loader, newRunStats(t))
		seen := make(chan int, 1)
		_, channels := newFakeBackend(t, answerMistakes(engine, 20, 1, seen))
		cancel, done := runInBackground(engine, channels)
		defer func() {
			cancel()
			<-done
		}()

		before := <-seen
		require.Less(t, before, 100)
		require.Eventually(t, func() bool {
			return engine.window.Current().Position() < before
		}, 2*time.Second, 2*time.Millisecond)
		after := engine.window.Current().Position()
		assert.GreaterOrEqual(t, after, 0)
		assert.LessOrEqual(t, after, 15)
	})
}

func Test_Engine_MalformedResultBlob(t *testing.T) {
	backend, channels := newFakeBackend(t, func(id int) *reply {
		if id == 1 {
			return &reply{raw: `{"status":"success","result":"not-json","frame_id":1}`}
		}
		return &reply{status: "success", index: 1}
	})
	stats := newRunStats(t)
	engine := NewEngine(Config{NumSteps: 1, FPS: 100}, newCountingLoader(), stats)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := engine.Run(ctx, channels)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2}, backend.frames())
	assert.Equal(t, int64(1), engine.Progress().InvalidResults)

	frames := stats.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, packets.OutcomeNoResult, frames[0].Feedback)
	assert.Equal(t, packets.OutcomeSuccess, frames[1].Feedback)
}

func Test_Engine_Failures(t *testing.T) {
	t.Run("Cancellation with a frame in flight", func(t *testing.T) {
		backend, channels := newFakeBackend(t, func(int) *reply { return nil })
		stats := newRunStats(t)
		engine := NewEngine(Config{NumSteps: 2, FPS: 100, MaxReplays: 1}, newCountingLoader(), stats)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		ok, err := engine.Run(ctx, channels)
		assert.False(t, ok)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, []int{1}, backend.frames())
		assert.Equal(t, 1, stats.Pending())
	})

	t.Run("Invalid step index", func(t *testing.T) {
		_, channels := newFakeBackend(t, func(int) *reply { return &reply{status: "success", index: 9} })
		engine := NewEngine(Config{NumSteps: 2, FPS: 100}, newCountingLoader(), newRunStats(t))
		ok, err := engine.Run(context.Background(), channels)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrInvalidStepIndex)
	})

	t.Run("Result channel failure", func(t *testing.T) {
		backend, channels := newFakeBackend(t, func(int) *reply { return nil })
		go func() {
			time.Sleep(30 * time.Millisecond)
			backend.result.Close()
		}()
		engine := NewEngine(Config{NumSteps: 2, FPS: 100}, newCountingLoader(), newRunStats(t))
		ok, err := engine.Run(context.Background(), channels)
		assert.False(t, ok)
		assert.Error(t, err)
	})

	t.Run("Missing first step", func(t *testing.T) {
		loader := newCountingLoader()
		loader.fail[0] = true
		_, channels := newFakeBackend(t, func(int) *reply { return nil })
		engine := NewEngine(Config{NumSteps: 2, FPS: 100}, loader, newRunStats(t))
		ok, err := engine.Run(context.Background(), channels)
		assert.False(t, ok)
		assert.Error(t, err)
	})
}
