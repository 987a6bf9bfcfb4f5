package packets

import (
	"io"
)

// TODO: Move to configurable options
const (
	// Upper bound for a single length-prefixed payload. Step media is the
	// largest thing we ever receive.
	MAX_PAYLOAD_SIZE = 256 * 1024 * 1024
)

// Connection types
var ConnectionTypes = struct {
	Video  int
	Result int
}{
	Video:  1,
	Result: 2,
}

// Connection states
var ConnectionStates = struct {
	Pending int
	Open    int
	Closed  int
}{
	Pending: 0,
	Open:    1,
	Closed:  2,
}

// DataConn is one of the two backend data channels (video or result).
// Implementations count read/written bytes under the hood.
type DataConn interface {
	io.ReadWriteCloser
	GetMetrics() *ChannelMetrics
	GetType() int
	GetRemote() string
	GetId() string
	SetId(string)
}

// DataChannels bundles the connections of one run
type DataChannels struct {
	Video  DataConn
	Result DataConn
}

// Close closes both channels and returns the first error
func (dc *DataChannels) Close() error {
	var firstErr error
	for _, c := range []DataConn{dc.Video, dc.Result} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
