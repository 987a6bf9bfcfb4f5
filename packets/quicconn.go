package packets

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

var _ DataConn = (*QUICReliableConn)(nil)

const QUIC_ALPN = "edge-trace"

// QUICReliableConn is a data channel carried by a single bidirectional
// QUIC stream. The video channel opens the stream, the result channel
// waits for the backend to open it.
type QUICReliableConn struct {
	MonitoredConn
	session quic.Connection
}

type quicStreamCloser struct {
	quic.Stream
	session quic.Connection
}

func (s *quicStreamCloser) Close() error {
	err := s.Stream.Close()
	if cerr := s.session.CloseWithError(0, ""); err == nil {
		err = cerr
	}
	return err
}

// acceptedStream accepts the backend's stream on first use. Streams
// opened by the peer only become visible once it sends data, which for
// the result channel happens after our first frame
type acceptedStream struct {
	ctx     context.Context
	session quic.Connection
	once    sync.Once
	stream  quic.Stream
	err     error
}

func (s *acceptedStream) accept() error {
	s.once.Do(func() {
		s.stream, s.err = s.session.AcceptStream(s.ctx)
	})
	return s.err
}

func (s *acceptedStream) Read(b []byte) (int, error) {
	if err := s.accept(); err != nil {
		return 0, err
	}
	return s.stream.Read(b)
}

func (s *acceptedStream) Write(b []byte) (int, error) {
	if err := s.accept(); err != nil {
		return 0, err
	}
	return s.stream.Write(b)
}

func (s *acceptedStream) Close() error {
	return s.session.CloseWithError(0, "")
}

func NewQUICReliableConn(connType int) *QUICReliableConn {
	return &QUICReliableConn{
		MonitoredConn: MonitoredConn{
			State:    ConnectionStates.Pending,
			metrics:  NewChannelMetrics(0),
			connType: connType,
		},
	}
}

// ClientTLSConfig returns the TLS settings for the backend. The backend
// runs with a self-signed certificate, so it is not verified
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{QUIC_ALPN},
	}
}

func (qc *QUICReliableConn) Dial(ctx context.Context, remote string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := quic.DialAddr(dialCtx, remote, ClientTLSConfig(), &quic.Config{
		KeepAlivePeriod: 5 * time.Second,
	})
	if err != nil {
		return err
	}

	if qc.connType == ConnectionTypes.Result {
		qc.InternalConn = &acceptedStream{ctx: ctx, session: session}
	} else {
		stream, err := session.OpenStreamSync(ctx)
		if err != nil {
			session.CloseWithError(0, "")
			return err
		}
		qc.InternalConn = &quicStreamCloser{Stream: stream, session: session}
	}

	qc.session = session
	qc.remote = remote
	qc.State = ConnectionStates.Open
	logrus.Debug("[QUICReliableConn] Connected to ", remote)
	return nil
}
