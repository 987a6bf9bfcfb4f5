package runstats

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/netsys-lab/edge-trace-client/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock advances by one millisecond on every reading
type stepClock struct {
	mu  sync.Mutex
	now float64
}

func (c *stepClock) NowMillis() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now++
	return c.now
}

func (c *stepClock) GetOffset() float64      { return 1.5 }
func (c *stepClock) GetOffsetError() float64 { return 0.25 }

func isUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

func Test_RunStats_Lifecycle(t *testing.T) {
	t.Run("Finish before init", func(t *testing.T) {
		s := New(&stepClock{})
		assert.True(t, isUsageError(s.Finish(true)))
	})

	t.Run("Init twice", func(t *testing.T) {
		s := New(&stepClock{})
		require.NoError(t, s.Init())
		assert.True(t, isUsageError(s.Init()))
	})

	t.Run("Finish twice", func(t *testing.T) {
		s := New(&stepClock{})
		require.NoError(t, s.Init())
		require.NoError(t, s.Finish(true))
		assert.True(t, isUsageError(s.Finish(false)))
		assert.True(t, s.Succeeded())
	})

	t.Run("Register outside of a run", func(t *testing.T) {
		s := New(&stepClock{})
		assert.True(t, isUsageError(s.RegisterSent(1)))
		require.NoError(t, s.Init())
		require.NoError(t, s.Finish(false))
		assert.True(t, isUsageError(s.RegisterSent(1)))
		assert.True(t, isUsageError(s.RegisterReceived(1, packets.OutcomeSuccess)))
	})

	t.Run("Record requires a sealed run", func(t *testing.T) {
		s := New(&stepClock{})
		_, err := s.Record()
		assert.True(t, isUsageError(err))
		require.NoError(t, s.Init())
		_, err = s.Record()
		assert.True(t, isUsageError(err))
	})
}

func Test_RunStats_Frames(t *testing.T) {
	t.Run("Sent then received yields one frame", func(t *testing.T) {
		s := New(&stepClock{})
		require.NoError(t, s.Init())
		require.NoError(t, s.RegisterSent(7))
		assert.Equal(t, 1, s.Pending())
		require.NoError(t, s.RegisterReceived(7, packets.OutcomeSuccess))
		assert.Equal(t, 0, s.Pending())

		frames := s.Frames()
		require.Len(t, frames, 1)
		assert.Equal(t, 7, frames[0].ID)
		assert.GreaterOrEqual(t, frames[0].Received, frames[0].Sent)
		assert.Equal(t, packets.OutcomeSuccess, frames[0].Feedback)
	})

	t.Run("Unmatched receive is dropped", func(t *testing.T) {
		s := New(&stepClock{})
		require.NoError(t, s.Init())
		require.NoError(t, s.RegisterReceived(99, packets.OutcomeMistake))
		assert.Empty(t, s.Frames())
	})

	t.Run("Duplicate receive is dropped", func(t *testing.T) {
		s := New(&stepClock{})
		require.NoError(t, s.Init())
		require.NoError(t, s.RegisterSent(1))
		require.NoError(t, s.RegisterReceived(1, packets.OutcomeSuccess))
		require.NoError(t, s.RegisterReceived(1, packets.OutcomeSuccess))
		assert.Len(t, s.Frames(), 1)
	})

	t.Run("Rolling RTT uses the last frames only", func(t *testing.T) {
		s := New(&stepClock{})
		require.NoError(t, s.Init())
		// each frame: sent at t, received at t+1 → RTT 1
		for i := 1; i <= STAT_WINDOW_SIZE+5; i++ {
			require.NoError(t, s.RegisterSent(i))
			require.NoError(t, s.RegisterReceived(i, packets.OutcomeNoResult))
		}
		assert.InDelta(t, 1.0, s.RollingRTT(), 1e-9)
		assert.Len(t, s.Frames(), STAT_WINDOW_SIZE+5)
	})

	t.Run("Concurrent registration", func(t *testing.T) {
		s := New(&stepClock{})
		require.NoError(t, s.Init())
		for i := 1; i <= 100; i++ {
			require.NoError(t, s.RegisterSent(i))
		}
		wg := sync.WaitGroup{}
		for i := 1; i <= 100; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				s.RegisterReceived(id, packets.OutcomeSuccess)
				s.RollingRTT()
			}(i)
		}
		wg.Wait()
		assert.Len(t, s.Frames(), 100)
	})
}

func Test_RunStats_Record(t *testing.T) {
	s := New(&stepClock{})
	require.NoError(t, s.Init())
	require.NoError(t, s.RegisterSent(1))
	require.NoError(t, s.RegisterSent(2))
	require.NoError(t, s.RegisterReceived(1, packets.OutcomeMistake))
	require.NoError(t, s.Finish(true))

	rec, err := s.Record()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.End, rec.Begin)
	assert.True(t, rec.Success)
	assert.Equal(t, 1.5, rec.NTPOffset)
	assert.Equal(t, 0.25, rec.NTPOffsetError)
	require.Len(t, rec.Frames, 1)

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	decoded := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	frames := decoded["frames"].([]interface{})
	frame := frames[0].(map[string]interface{})
	assert.Equal(t, "mistake", frame["feedback"])
	assert.Equal(t, float64(1), frame["id"])
	assert.Contains(t, decoded, "ntp_offset_error")
}
