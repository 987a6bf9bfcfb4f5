package packets

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

var _ DataConn = (*TCPConn)(nil)

// TCPConn is a data channel over plain TCP. Reads and writes are
// counted by the embedded MonitoredConn
type TCPConn struct {
	MonitoredConn
}

func NewTCPConn(connType int) *TCPConn {
	return &TCPConn{
		MonitoredConn: MonitoredConn{
			State:    ConnectionStates.Pending,
			metrics:  NewChannelMetrics(0),
			connType: connType,
		},
	}
}

// Dial connects to remote with the given connect timeout
func (tc *TCPConn) Dial(ctx context.Context, remote string, timeout time.Duration) error {
	conn, err := DialTCP(ctx, remote, timeout)
	if err != nil {
		return err
	}
	tc.remote = remote
	tc.InternalConn = conn
	tc.State = ConnectionStates.Open
	logrus.Debug("[TCPConn] Connected to ", remote, " from ", conn.LocalAddr())
	return nil
}

// DialTCP opens a TCP connection with no-delay enabled
func DialTCP(ctx context.Context, remote string, timeout time.Duration) (*net.TCPConn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", remote)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		tcpConn.Close()
		return nil, err
	}
	return tcpConn, nil
}
