package socket

import (
	"context"
	"net"
	"strconv"

	"github.com/netsys-lab/edge-trace-client/packets"
	log "github.com/sirupsen/logrus"
)

var _ DataSocket = (*QUICSocket)(nil)

// QUICSocket carries each data channel over its own QUIC connection
type QUICSocket struct {
	options DialOptions
}

func NewQUICSocket(options DialOptions) *QUICSocket {
	return &QUICSocket{options: options.withDefaults()}
}

func (s *QUICSocket) Dial(ctx context.Context, remote string, connType int) (packets.DataConn, error) {
	conn := packets.NewQUICReliableConn(connType)
	if err := conn.Dial(ctx, remote, s.options.ConnectTimeout); err != nil {
		return nil, err
	}
	conn.SetId(remote)
	return conn, nil
}

func (s *QUICSocket) DialAll(ctx context.Context, host string, videoPort, resultPort int) (*packets.DataChannels, error) {
	video, err := s.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(videoPort)), packets.ConnectionTypes.Video)
	if err != nil {
		return nil, err
	}
	result, err := s.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(resultPort)), packets.ConnectionTypes.Result)
	if err != nil {
		video.Close()
		return nil, err
	}

	log.Debugf("[QUICSocket] Dialed all to %s, video %d result %d", host, videoPort, resultPort)
	return &packets.DataChannels{Video: video, Result: result}, nil
}
