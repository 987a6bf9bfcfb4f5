package packets

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Some Metrics to start with, collected per data channel
type ChannelMetrics struct {
	mu               sync.Mutex
	ReadBytes        int64
	LastReadBytes    int64
	ReadPackets      int64
	WrittenBytes     int64
	LastWrittenBytes int64
	WrittenPackets   int64
	ReadBandwidth    []int64
	WrittenBandwidth []int64
	UpdateInterval   time.Duration
}

func NewChannelMetrics(updateInterval time.Duration) *ChannelMetrics {
	return &ChannelMetrics{
		UpdateInterval:   updateInterval,
		ReadBandwidth:    make([]int64, 0),
		WrittenBandwidth: make([]int64, 0),
	}
}

func (m *ChannelMetrics) AddRead(n int) {
	m.mu.Lock()
	m.ReadBytes += int64(n)
	m.ReadPackets++
	m.mu.Unlock()
}

func (m *ChannelMetrics) AddWritten(n int) {
	m.mu.Lock()
	m.WrittenBytes += int64(n)
	m.WrittenPackets++
	m.mu.Unlock()
}

// Totals returns read and written byte counters
func (m *ChannelMetrics) Totals() (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReadBytes, m.WrittenBytes
}

func average(samples []int64) int64 {
	size := len(samples)
	if size == 0 {
		return 0
	}
	var val int64
	for _, item := range samples {
		val += item
	}
	return val / int64(size)
}

func (m *ChannelMetrics) AverageReadBandwidth() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return average(m.ReadBandwidth)
}

func (m *ChannelMetrics) AverageWriteBandwidth() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return average(m.WrittenBandwidth)
}

// LastAverageWriteBandwidth averages only the most recent samples
func (m *ChannelMetrics) LastAverageWriteBandwidth(lastElements int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := len(m.WrittenBandwidth)
	if lastElements <= 0 || size == 0 {
		return 0
	}
	if lastElements > size {
		lastElements = size
	}
	return average(m.WrittenBandwidth[size-lastElements:])
}

// Tick turns the byte counters since the last tick into bytes per second
func (m *ChannelMetrics) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateInterval == 0 {
		m.UpdateInterval = 1000 * time.Millisecond
	}

	fac := float64(time.Second) / float64(m.UpdateInterval)
	readBw := int64(float64(m.ReadBytes-m.LastReadBytes) * fac)
	writeBw := int64(float64(m.WrittenBytes-m.LastWrittenBytes) * fac)
	m.ReadBandwidth = append(m.ReadBandwidth, readBw)
	m.WrittenBandwidth = append(m.WrittenBandwidth, writeBw)
	m.LastReadBytes = m.ReadBytes
	m.LastWrittenBytes = m.WrittenBytes
	logrus.Trace("[ChannelMetrics] Tick read bw ", readBw, " written bw ", writeBw)
}
