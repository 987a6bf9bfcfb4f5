package socket

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/netsys-lab/edge-trace-client/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func Test_ConnectControl(t *testing.T) {
	t.Run("Retries until the server is up", func(t *testing.T) {
		addr := freeAddr(t)

		accepted := make(chan struct{})
		go func() {
			time.Sleep(300 * time.Millisecond)
			l, err := net.Listen("tcp", addr)
			if err != nil {
				t.Error(err)
				return
			}
			defer l.Close()
			c, err := l.Accept()
			if err != nil {
				t.Error(err)
				return
			}
			c.Close()
			close(accepted)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := ConnectControl(ctx, addr, DialOptions{})
		require.NoError(t, err)
		conn.Close()
		<-accepted
	})

	t.Run("Cancellation stops the loop", func(t *testing.T) {
		addr := freeAddr(t)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(250 * time.Millisecond)
			cancel()
		}()
		_, err := ConnectControl(ctx, addr, DialOptions{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func Test_TCPSocket_DialAll(t *testing.T) {
	video, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer video.Close()
	result, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer result.Close()

	go func() {
		c, err := video.Accept()
		if err == nil {
			defer c.Close()
			buf := make([]byte, 3)
			c.Read(buf)
		}
	}()
	go func() {
		c, err := result.Accept()
		if err == nil {
			c.Write([]byte("abc"))
			c.Close()
		}
	}()

	sock, err := NewDataSocket("tcp", DialOptions{ConnectTimeout: time.Second})
	require.NoError(t, err)

	port := func(l net.Listener) int {
		_, p, _ := net.SplitHostPort(l.Addr().String())
		n, _ := strconv.Atoi(p)
		return n
	}

	channels, err := sock.DialAll(context.Background(), "127.0.0.1", port(video), port(result))
	require.NoError(t, err)
	defer channels.Close()

	assert.Equal(t, packets.ConnectionTypes.Video, channels.Video.GetType())
	assert.Equal(t, packets.ConnectionTypes.Result, channels.Result.GetType())
	assert.Equal(t, video.Addr().String(), channels.Video.GetRemote())
	assert.Equal(t, result.Addr().String(), channels.Result.GetRemote())

	_, err = channels.Video.Write([]byte("xyz"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = channels.Result.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	_, written := channels.Video.GetMetrics().Totals()
	assert.Equal(t, int64(3), written)
}

func Test_NewDataSocket(t *testing.T) {
	s, err := NewDataSocket("QUIC", DialOptions{})
	require.NoError(t, err)
	assert.IsType(t, &QUICSocket{}, s)

	_, err = NewDataSocket("SCTP", DialOptions{})
	assert.Error(t, err)
}
