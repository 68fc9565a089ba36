package bcvtb

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()

	s := NewServer(zap.NewNop())
	host, port, err := s.Bind("127.0.0.1", 0)
	require.NoError(t, err)
	require.NotZero(t, port)
	assert.Equal(t, StateListening, s.State())

	go s.Serve(context.Background())
	t.Cleanup(s.Stop)

	return s, net.JoinHostPort(host, strconv.Itoa(port))
}

func waitAccepted(t *testing.T, s *Server) {
	t.Helper()
	select {
	case <-s.Accepted():
	case <-time.After(2 * time.Second):
		t.Fatal("peer was not accepted")
	}
}

func TestServer_ExchangeLines(t *testing.T) {
	s, addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	waitAccepted(t, s)
	assert.Equal(t, StateConnected, s.State())

	_, err = conn.Write([]byte("2 0 1 0 0 900.5 23.4\r\n"))
	require.NoError(t, err)

	select {
	case line := <-s.Lines():
		assert.Equal(t, "2 0 1 0 0 900.5 23.4", line.Text)
		assert.False(t, line.ReceivedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no line received")
	}
	assert.Equal(t, StateExchanging, s.State())

	require.NoError(t, s.Send("2 0 1 0 0 900.5 21.0"))

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "2 0 1 0 0 900.5 21.0\n", reply)
}

func TestServer_SecondConnectionRefused(t *testing.T) {
	s, addr := startServer(t)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	waitAccepted(t, s)

	second, err := net.DialTimeout("tcp", addr, time.Second)
	if err == nil {
		second.Close()
	}
	assert.Error(t, err, "listener must be closed after the first peer")
}

func TestServer_EOFClosesLines(t *testing.T) {
	s, addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	waitAccepted(t, s)

	_, err = conn.Write([]byte("2 1 0 0 0 3600.0\n"))
	require.NoError(t, err)
	conn.Close()

	var got []string
	for line := range s.Lines() {
		got = append(got, line.Text)
	}
	assert.Equal(t, []string{"2 1 0 0 0 3600.0"}, got)
	assert.NoError(t, s.Err())
}

func TestServer_OversizedMessage(t *testing.T) {
	s, addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	waitAccepted(t, s)

	go func() {
		conn.Write([]byte("2 0 1 0 0 60.0 20.1\n"))
		conn.Write(bytes.Repeat([]byte("1"), maxLineSize+1))
	}()

	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range s.Lines() {
			got = append(got, line.Text)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("oversized message did not end the stream")
	}
	assert.Equal(t, []string{"2 0 1 0 0 60.0 20.1"}, got)
	assert.ErrorIs(t, s.Err(), ErrTransport)
}

func TestServer_StopBeforeAccept(t *testing.T) {
	s := NewServer(zap.NewNop())
	_, _, err := s.Bind("127.0.0.1", 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Serve(context.Background())
		close(done)
	}()

	s.Stop()
	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	assert.Equal(t, StateTerminated, s.State())
	assert.NoError(t, s.Err())
}

func TestServer_ContextCancelStopsServe(t *testing.T) {
	s := NewServer(zap.NewNop())
	_, _, err := s.Bind("127.0.0.1", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	cancel()

	select {
	case _, ok := <-s.Lines():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("lines channel not closed after cancel")
	}
}

func TestServer_SendWithoutPeer(t *testing.T) {
	s := NewServer(zap.NewNop())
	assert.NoError(t, s.Send("2 0 0 0 0 0"))
}

func TestServer_BindTwice(t *testing.T) {
	s := NewServer(zap.NewNop())
	_, _, err := s.Bind("127.0.0.1", 0)
	require.NoError(t, err)
	defer s.Stop()

	_, _, err = s.Bind("127.0.0.1", 0)
	assert.Error(t, err)
}
