package bcvtb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnState is the state of the single-peer socket server.
type ConnState int

const (
	StateUnbound ConnState = iota
	StateListening
	StateConnected
	StateExchanging
	StateTerminated
)

func (s ConnState) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateListening:
		return "LISTENING"
	case StateConnected:
		return "CONNECTED"
	case StateExchanging:
		return "EXCHANGING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

const (
	writeTimeout = 10 * time.Second

	lineBufferSize = 64

	// maxLineSize bounds a single message; a peer exceeding it is dropped.
	maxLineSize = 1 << 20
)

// Line is one newline-terminated message received from the peer.
type Line struct {
	Text       string
	ReceivedAt time.Time
}

// Server accepts exactly one simulation connection and exchanges lines with
// it. Received lines are delivered on the Lines channel.
type Server struct {
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	state    ConnState
	host     string
	port     int
	err      error

	lines    chan Line
	accepted chan struct{}
	stopOnce sync.Once
}

// NewServer creates an unbound server.
func NewServer(logger *zap.Logger) *Server {
	return &Server{
		logger:   logger,
		state:    StateUnbound,
		lines:    make(chan Line, lineBufferSize),
		accepted: make(chan struct{}),
	}
}

// Bind opens the TCP listener. An empty host resolves to the local hostname
// and port 0 lets the OS pick an ephemeral port. The bound address is
// returned because it feeds the socket-endpoint config file.
func (s *Server) Bind(host string, port int) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnbound {
		return "", 0, fmt.Errorf("server already bound to %s:%d", s.host, s.port)
	}

	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return "", 0, fmt.Errorf("failed to resolve hostname: %w", err)
		}
		host = h
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "", 0, fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = lis
	s.host = host
	s.port = lis.Addr().(*net.TCPAddr).Port
	s.state = StateListening

	s.logger.Debug("Socket server bound",
		zap.String("host", s.host),
		zap.Int("port", s.port))

	return s.host, s.port, nil
}

// Addr returns the bound host and port.
func (s *Server) Addr() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host, s.port
}

// Lines returns the channel of received lines. It is closed when the
// stream ends; Err reports why.
func (s *Server) Lines() <-chan Line {
	return s.lines
}

// Accepted is closed once the peer has connected.
func (s *Server) Accepted() <-chan struct{} {
	return s.accepted
}

// Err returns the error that ended the receive loop, nil for a clean
// end-of-stream.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current connection state.
func (s *Server) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Serve waits for the single peer, stops listening so further dials are
// refused, and then reads lines until the stream ends. It blocks and is
// meant to run on its own goroutine.
func (s *Server) Serve(ctx context.Context) {
	defer close(s.lines)

	s.mu.Lock()
	lis := s.listener
	s.mu.Unlock()

	if lis == nil {
		s.setErr(fmt.Errorf("%w: server not bound", ErrTransport))
		return
	}

	stopWatch := context.AfterFunc(ctx, s.Stop)
	defer stopWatch()

	s.logger.Debug("Server now listening")

	conn, err := lis.Accept()
	if err != nil {
		if !s.stopped() {
			s.setErr(fmt.Errorf("%w: accept failed: %v", ErrTransport, err))
		}
		return
	}

	// A second peer must never be multiplexed in.
	lis.Close()

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	close(s.accepted)

	s.logger.Info("Simulation connected",
		zap.String("remote_addr", conn.RemoteAddr().String()))

	s.receiveLoop(conn)
}

func (s *Server) receiveLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		s.markExchanging()
		s.lines <- Line{Text: text, ReceivedAt: time.Now()}
	}

	err := scanner.Err()
	if err == nil || s.stopped() {
		s.logger.Debug("Receive loop ended", zap.Bool("stopped", s.stopped()))
		return
	}

	if errors.Is(err, bufio.ErrTooLong) {
		s.logger.Error("Message exceeds size limit", zap.Int("limit", maxLineSize))
		s.setErr(fmt.Errorf("%w: message exceeds %d bytes", ErrTransport, maxLineSize))
		return
	}
	s.logger.Error("Failed to read message", zap.Error(err))
	s.setErr(fmt.Errorf("%w: read failed: %v", ErrTransport, err))
}

// Send writes line to the peer, appending a newline when missing. Without
// a connected peer it only logs a warning.
func (s *Server) Send(line string) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || state == StateTerminated {
		s.logger.Warn("No simulation connected, dropping message",
			zap.String("message", strings.TrimSpace(line)))
		return nil
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(conn, line); err != nil {
		s.logger.Error("Failed to send message", zap.Error(err))
		return fmt.Errorf("%w: write failed: %v", ErrTransport, err)
	}

	return nil
}

// Stop closes the listener and the peer connection. It is idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.state = StateTerminated
		if s.listener != nil {
			s.listener.Close()
		}
		if s.conn != nil {
			s.conn.Close()
		}
		s.logger.Debug("Socket server stopped")
	})
}

func (s *Server) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateTerminated
}

func (s *Server) markExchanging() {
	s.mu.Lock()
	if s.state == StateConnected {
		s.state = StateExchanging
	}
	s.mu.Unlock()
}

func (s *Server) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
