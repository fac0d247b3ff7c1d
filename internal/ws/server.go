// Package ws serves the meet WebSocket. It upgrades authenticated HTTP
// requests, watches sockets with epoll and reads ready ones on a bounded
// worker pool, dispatches client requests to the coordinator and pushes meet
// events to every socket a user holds.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coffeemeet/meet-app/internal/logging"
	"github.com/coffeemeet/meet-app/internal/matching"
	"github.com/coffeemeet/meet-app/internal/metrics"
)

var (
	// ErrTooManyConnections is returned by Accept when the server is full.
	ErrTooManyConnections = errors.New("ws: too many connections")

	// ErrNotRunning is returned by Accept before Start or after Shutdown.
	ErrNotRunning = errors.New("ws: server is not running")
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // larger data frames close the socket
	ReadTimeout    time.Duration // time allowed to finish a frame once it started arriving
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		MaxMessageSize: 64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// MessageFunc handles one complete text frame from a client.
type MessageFunc func(ctx context.Context, conn *Connection, data []byte)

// Server upgrades HTTP requests to WebSocket, registers the sockets with an
// epoll instance and hands ready ones to a bounded worker pool for frame
// reading. Connections are indexed by owning user so that meet events can be
// fanned out to every device the user has open.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	onMessage  MessageFunc

	ctx    context.Context // cancelled by Shutdown; passed to onMessage
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup // event loop and read workers
	once   sync.Once
	log    zerolog.Logger
}

// NewServer creates a Server. onMessage is called from a read worker; a
// socket is not read again until the call returns, so messages from one
// socket are handled in order.
func NewServer(config ServerConfig, onMessage MessageFunc) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        logging.For("ws"),
	}
}

// Start creates the epoll instance and launches the event loop and the
// heartbeat monitor. It returns immediately.
func (s *Server) Start() error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = ep

	s.wg.Add(1)
	go s.eventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("websocket server started")
	return nil
}

// Accept upgrades the request to a WebSocket owned by user and starts
// watching it. The caller must have authenticated user already.
func (s *Server) Accept(w http.ResponseWriter, r *http.Request, user matching.UserID) error {
	select {
	case <-s.done:
		return ErrNotRunning
	default:
	}
	if s.epoll == nil {
		return ErrNotRunning
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		return ErrTooManyConnections
	}

	netConn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return fmt.Errorf("ws: upgrade: %w", err)
	}

	// Frames the client sent right behind the handshake may already sit in
	// the hijacked reader, so it becomes the connection's reader.
	c := newConnection(uuid.New().String(), user, netConn, rw.Reader, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.SocketConnections.Inc()

	s.log.Info().Str("conn", c.ID).Str("user", string(user)).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("new connection")

	if c.reader.Buffered() > 0 {
		s.dispatch(c)
		return nil
	}
	if err := s.epoll.Arm(c); err != nil {
		s.RemoveConnection(c)
		return fmt.Errorf("ws: epoll add: %w", err)
	}
	return nil
}

// eventLoop waits for ready sockets and hands each to a worker.
func (s *Server) eventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error().Err(err).Msg("epoll wait failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, c := range conns {
			s.dispatch(c)
		}
	}
}

// dispatch runs handleReady on a worker slot, blocking while the pool is full.
func (s *Server) dispatch(c *Connection) {
	select {
	case s.workerPool <- struct{}{}:
	case <-s.done:
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.workerPool }()
		s.handleReady(c)
	}()
}

// handleReady reads every frame that is available without blocking on the
// kernel again, then re-arms the socket.
func (s *Server) handleReady(c *Connection) {
	if s.conns.Get(c.ID) != c {
		return
	}

	for {
		data, ok := s.readFrame(c)
		if !ok {
			s.RemoveConnection(c)
			return
		}
		if len(data) > 0 && s.onMessage != nil {
			s.onMessage(s.ctx, c, data)
		}
		// epoll only reports bytes still in the kernel.
		if c.reader.Buffered() == 0 {
			break
		}
	}

	if s.conns.Get(c.ID) != c {
		return
	}
	if err := s.epoll.Arm(c); err != nil {
		select {
		case <-s.done:
		default:
			s.log.Warn().Err(err).Str("conn", c.ID).Msg("epoll re-arm failed")
		}
		s.RemoveConnection(c)
	}
}

// readFrame reads one frame. Control frames are handled inline and yield no
// data; ok is false when the socket must be dropped.
func (s *Server) readFrame(c *Connection) (data []byte, ok bool) {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	defer c.Conn.SetReadDeadline(time.Time{})

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Debug().Err(err).Str("conn", c.ID).Msg("read failed")
		}
		return nil, false
	}

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			return nil, false
		case ws.OpPing:
			payload := make([]byte, header.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return nil, false
			}
			return nil, c.writeFrame(ws.NewPongFrame(payload)) == nil
		default:
			_, err := io.CopyN(io.Discard, reader, header.Length)
			return nil, err == nil
		}
	}

	if s.config.MaxMessageSize > 0 && header.Length > s.config.MaxMessageSize {
		s.log.Warn().Str("conn", c.ID).Int64("size", header.Length).Msg("message too large")
		return nil, false
	}

	data = make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, false
	}
	if header.OpCode != ws.OpText {
		return nil, true
	}
	return data, true
}

// RemoveConnection unregisters and closes c. Concurrent calls for the same
// connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.SocketConnections.Dec()

	s.log.Info().Str("conn", c.ID).Str("user", string(c.UserID)).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendToUser writes data to every socket user holds and returns how many
// writes succeeded. Sockets that fail the write are removed.
func (s *Server) SendToUser(user matching.UserID, data []byte) int {
	sent := 0
	for _, c := range s.conns.ForUser(user) {
		if err := c.WriteMessage(data); err != nil {
			s.log.Warn().Err(err).Str("conn", c.ID).Str("user", string(user)).Msg("push failed")
			s.RemoveConnection(c)
			continue
		}
		sent++
	}
	return sent
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the heartbeat, closes every socket and waits for the event
// loop and read workers to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.log.Info().Msg("shutting down")
		close(s.done)
		s.cancel()
	})

	for _, c := range s.conns.All() {
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")))
		s.RemoveConnection(c)
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info().Msg("server stopped, all connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
