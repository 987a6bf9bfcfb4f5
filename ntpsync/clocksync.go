// Package ntpsync estimates the offset between the local clock and a
// reference NTP host. A ClockSync is computed once per run and is
// immutable afterwards.
package ntpsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/ntp"
	"github.com/netsys-lab/edge-trace-client/sutils"
	log "github.com/sirupsen/logrus"
)

const (
	DEFAULT_POLL_COUNT = 11
	DEFAULT_TIMEOUT    = 100 * time.Millisecond
)

var ErrNoProbes = errors.New("no probes requested")

// Prober performs a single round-trip probe against host and returns the
// estimated clock offset and round-trip delay
type Prober interface {
	Probe(ctx context.Context, host string) (offset, delay time.Duration, err error)
}

// NTPProber queries a real NTP server
type NTPProber struct {
	Timeout time.Duration
}

func NewNTPProber(timeout time.Duration) *NTPProber {
	if timeout <= 0 {
		timeout = DEFAULT_TIMEOUT
	}
	return &NTPProber{Timeout: timeout}
}

func (p *NTPProber) Probe(ctx context.Context, host string) (time.Duration, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: p.Timeout})
	if err != nil {
		return 0, 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, 0, err
	}
	return resp.ClockOffset, resp.RTT, nil
}

// ClockSync holds the result of one synchronization. All values are in
// milliseconds
type ClockSync struct {
	Offset      float64
	Delay       float64
	OffsetError float64
	DelayError  float64

	// local reference point, keeps Now monotonic
	localRef time.Time
}

// NewStatic returns a ClockSync with fixed values, mostly for tests
func NewStatic(offset, delay, offsetErr, delayErr float64) *ClockSync {
	return &ClockSync{
		Offset:      offset,
		Delay:       delay,
		OffsetError: offsetErr,
		DelayError:  delayErr,
		localRef:    time.Now(),
	}
}

// Synchronize polls host count times and averages the results. Any
// failed probe aborts the whole synchronization.
func Synchronize(ctx context.Context, prober Prober, host string, count int) (*ClockSync, error) {
	if count <= 0 {
		return nil, ErrNoProbes
	}

	offsets := make([]float64, 0, count)
	delays := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		offset, delay, err := prober.Probe(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("probe %d of %d against %s failed: %w", i+1, count, host, err)
		}
		offsets = append(offsets, durationToMillis(offset))
		delays = append(delays, durationToMillis(delay))
	}

	cs := NewStatic(sutils.Mean(offsets), sutils.Mean(delays), sutils.StdDev(offsets), sutils.StdDev(delays))

	log.Infof("[ClockSync] Polled %s %d times", host, count)
	log.Infof("[ClockSync] Offset: %.3f (+- %.3f) ms\tDelay: %.3f (+- %.3f) ms",
		cs.Offset, cs.OffsetError, cs.Delay, cs.DelayError)
	return cs, nil
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Now returns the local clock corrected by the mean offset
func (c *ClockSync) Now() time.Time {
	// time.Now carries a monotonic reading, so adding the elapsed time
	// to the reference never goes backwards
	elapsed := time.Since(c.localRef)
	return c.localRef.Add(elapsed).Add(time.Duration(c.Offset * float64(time.Millisecond)))
}

// NowMillis returns Now as milliseconds since the epoch
func (c *ClockSync) NowMillis() float64 {
	return float64(c.Now().UnixNano()) / float64(time.Millisecond)
}

func (c *ClockSync) GetOffset() float64 {
	return c.Offset
}

func (c *ClockSync) GetOffsetError() float64 {
	return c.OffsetError
}
