package packets

import (
	"io"
	"net"
	"sync"
)

var _ DataConn = (*MonitoredConn)(nil)

// MonitoredConn extends any stream connection to collect metrics.
// Used for in-memory channels and as the base of the TCP/QUIC conns
type MonitoredConn struct {
	InternalConn io.ReadWriteCloser
	State        int // See ConnectionStates
	metrics      *ChannelMetrics
	connType     int
	id           string
	remote       string
	closeOnce    sync.Once
	closeErr     error
}

func NewMonitoredConn(conn io.ReadWriteCloser, connType int) *MonitoredConn {
	mConn := &MonitoredConn{
		InternalConn: conn,
		State:        ConnectionStates.Open,
		metrics:      NewChannelMetrics(0),
		connType:     connType,
	}
	if nc, ok := conn.(net.Conn); ok {
		mConn.remote = nc.RemoteAddr().String()
	}
	return mConn
}

// This simply wraps conn.Read and collects metrics
func (mConn *MonitoredConn) Read(b []byte) (int, error) {
	n, err := mConn.InternalConn.Read(b)
	if n > 0 {
		mConn.metrics.AddRead(n)
	}
	return n, err
}

// This simply wraps conn.Write and collects metrics
func (mConn *MonitoredConn) Write(b []byte) (int, error) {
	n, err := mConn.InternalConn.Write(b)
	if n > 0 {
		mConn.metrics.AddWritten(n)
	}
	return n, err
}

func (mConn *MonitoredConn) Close() error {
	mConn.closeOnce.Do(func() {
		mConn.State = ConnectionStates.Closed
		mConn.closeErr = mConn.InternalConn.Close()
	})
	return mConn.closeErr
}

func (mConn *MonitoredConn) GetMetrics() *ChannelMetrics {
	return mConn.metrics
}

func (mConn *MonitoredConn) GetType() int {
	return mConn.connType
}

// GetRemote returns the address of the peer, if known
func (mConn *MonitoredConn) GetRemote() string {
	return mConn.remote
}

func (mConn *MonitoredConn) GetId() string {
	return mConn.id
}

func (mConn *MonitoredConn) SetId(id string) {
	mConn.id = id
}
