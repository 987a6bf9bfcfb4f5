package packets

import (
	"encoding/json"
	"sync/atomic"
)

// VideoHeader is the JSON header that precedes every frame on the
// video channel
type VideoHeader struct {
	FrameID int `json:"frame_id"`
}

// FrameGen turns raw step frames into video channel messages.
// It collects metrics under the hood that can be queried using
// GetMetrics
type FrameGen struct {
	generated int64
	bytes     int64
}

func NewFrameGen() *FrameGen {
	return &FrameGen{}
}

// Generate creates the wire representation of a frame:
// int32 header length, header, int32 payload length, payload.
// Returns the full message in a new byte slice
func (g *FrameGen) Generate(frameID int, payload []byte) ([]byte, error) {
	header, err := json.Marshal(VideoHeader{FrameID: frameID})
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 8+len(header)+len(payload))
	buf = AppendPayload(buf, header)
	buf = AppendPayload(buf, payload)

	atomic.AddInt64(&g.generated, 1)
	atomic.AddInt64(&g.bytes, int64(len(buf)))
	return buf, nil
}

// Generated returns the number of frames and bytes generated so far
func (g *FrameGen) Generated() (int64, int64) {
	return atomic.LoadInt64(&g.generated), atomic.LoadInt64(&g.bytes)
}
