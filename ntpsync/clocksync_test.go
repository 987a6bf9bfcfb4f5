package ntpsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	offsets []time.Duration
	delays  []time.Duration
	failAt  int
	calls   int
}

func (p *fakeProber) Probe(ctx context.Context, host string) (time.Duration, time.Duration, error) {
	i := p.calls
	p.calls++
	if p.failAt > 0 && p.calls == p.failAt {
		return 0, 0, errors.New("i/o timeout")
	}
	return p.offsets[i%len(p.offsets)], p.delays[i%len(p.delays)], nil
}

func Test_Synchronize(t *testing.T) {
	t.Run("Averages all probes", func(t *testing.T) {
		p := &fakeProber{
			offsets: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
			delays:  []time.Duration{4 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond},
		}
		cs, err := Synchronize(context.Background(), p, "ntp.example", 3)
		require.NoError(t, err)
		assert.Equal(t, 3, p.calls)
		assert.InDelta(t, 20.0, cs.Offset, 1e-9)
		assert.InDelta(t, 10.0, cs.OffsetError, 1e-9)
		assert.InDelta(t, 4.0, cs.Delay, 1e-9)
		assert.InDelta(t, 0.0, cs.DelayError, 1e-9)
	})

	t.Run("A failed probe aborts the batch", func(t *testing.T) {
		p := &fakeProber{
			offsets: []time.Duration{time.Millisecond},
			delays:  []time.Duration{time.Millisecond},
			failAt:  5,
		}
		cs, err := Synchronize(context.Background(), p, "ntp.example", DEFAULT_POLL_COUNT)
		assert.Error(t, err)
		assert.Nil(t, cs)
		assert.Equal(t, 5, p.calls)
	})

	t.Run("Zero probes", func(t *testing.T) {
		_, err := Synchronize(context.Background(), &fakeProber{}, "ntp.example", 0)
		assert.ErrorIs(t, err, ErrNoProbes)
	})
}

func Test_ClockSync_Now(t *testing.T) {
	t.Run("Applies the offset", func(t *testing.T) {
		cs := NewStatic(5000, 0, 0, 0)
		diff := cs.Now().Sub(time.Now())
		assert.InDelta(t, float64(5*time.Second), float64(diff), float64(100*time.Millisecond))
	})

	t.Run("Is monotonic", func(t *testing.T) {
		cs := NewStatic(-250, 0, 0, 0)
		prev := cs.NowMillis()
		for i := 0; i < 1000; i++ {
			now := cs.NowMillis()
			assert.GreaterOrEqual(t, now, prev)
			prev = now
		}
	})

	t.Run("NTP prober honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := NewNTPProber(0).Probe(ctx, "127.0.0.1")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
