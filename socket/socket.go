package socket

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/netsys-lab/edge-trace-client/packets"
)

const (
	DEFAULT_CONNECT_TIMEOUT = 100 * time.Millisecond
	DEFAULT_RETRY_BACKOFF   = 100 * time.Millisecond
)

type DialOptions struct {
	ConnectTimeout time.Duration
	RetryBackoff   time.Duration
}

func (o DialOptions) withDefaults() DialOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DEFAULT_CONNECT_TIMEOUT
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DEFAULT_RETRY_BACKOFF
	}
	return o
}

// DataSocket opens the video and result channels towards the backend
// for a single run
type DataSocket interface {
	DialAll(ctx context.Context, host string, videoPort, resultPort int) (*packets.DataChannels, error)
}

// NewDataSocket returns the socket for the given transport
// ("TCP" | "QUIC")
func NewDataSocket(transport string, options DialOptions) (DataSocket, error) {
	switch strings.ToUpper(transport) {
	case "", "TCP":
		return NewTCPSocket(options), nil
	case "QUIC":
		return NewQUICSocket(options), nil
	}
	return nil, fmt.Errorf("unknown transport %q", transport)
}
