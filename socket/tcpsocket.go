package socket

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/netsys-lab/edge-trace-client/packets"
	log "github.com/sirupsen/logrus"
)

var _ DataSocket = (*TCPSocket)(nil)

type TCPSocket struct {
	options DialOptions
}

func NewTCPSocket(options DialOptions) *TCPSocket {
	return &TCPSocket{options: options.withDefaults()}
}

// ConnectControl keeps dialing the control server until a connection is
// established or ctx is done. There is no upper bound on the number of
// attempts.
func ConnectControl(ctx context.Context, addr string, options DialOptions) (*net.TCPConn, error) {
	options = options.withDefaults()
	log.Infof("[ControlSocket] Connecting to Control Server at %s", addr)

	attempts := 0
	for {
		// give the remote some time to warm up between attempts
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(options.RetryBackoff):
		}

		attempts++
		conn, err := packets.DialTCP(ctx, addr, options.ConnectTimeout)
		if err == nil {
			log.Infof("[ControlSocket] Connected to Control Server at %s after %d attempts", addr, attempts)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			log.Debug("[ControlSocket] Timeout - retrying...")
		} else {
			log.Debug("[ControlSocket] Connection failed, retrying... ", err)
		}
	}
}

func (s *TCPSocket) Dial(ctx context.Context, remote string, connType int) (packets.DataConn, error) {
	conn := packets.NewTCPConn(connType)
	if err := conn.Dial(ctx, remote, s.options.ConnectTimeout); err != nil {
		return nil, err
	}
	conn.SetId(remote)
	return conn, nil
}

func (s *TCPSocket) DialAll(ctx context.Context, host string, videoPort, resultPort int) (*packets.DataChannels, error) {
	video, err := s.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(videoPort)), packets.ConnectionTypes.Video)
	if err != nil {
		return nil, err
	}
	result, err := s.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(resultPort)), packets.ConnectionTypes.Result)
	if err != nil {
		video.Close()
		return nil, err
	}

	log.Debugf("[TCPSocket] Dialed all to %s, video %d result %d", host, videoPort, resultPort)
	return &packets.DataChannels{Video: video, Result: result}, nil
}
