//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// epollWaitMillis bounds a single Wait so the event loop notices shutdown.
const epollWaitMillis = 100

// Epoll wraps Linux epoll for read readiness of WebSocket connections.
// Registrations are one-shot: once Wait reports a connection it stays silent
// until Arm is called again, so at most one worker reads a socket at a time.
type Epoll struct {
	fd     int                 // epoll file descriptor
	conns  map[int]*Connection // fd -> connection
	mu     sync.RWMutex        // protects conns
	events []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Arm asks for one notification when c has data to read (or hung up). The
// first call registers the descriptor; later calls re-enable it.
func (e *Epoll) Arm(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT,
		Fd:     int32(c.Fd),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns == nil {
		return net.ErrClosed
	}
	if cur, ok := e.conns[c.Fd]; ok && cur == c {
		return unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, c.Fd, ev)
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, ev); err != nil {
		return err
	}
	e.conns[c.Fd] = c
	return nil
}

// Remove unregisters c. It must run before the socket is closed, while the
// descriptor still belongs to c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.conns[c.Fd]; !ok || cur != c {
		return nil
	}
	delete(e.conns, c.Fd)
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
}

// Wait blocks for up to epollWaitMillis and returns the connections that
// became readable. An interrupted wait returns no connections and no error.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, epollWaitMillis)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.conns[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns == nil {
		return nil
	}
	e.conns = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn through
// syscall.Conn, without duplicating it the way File() would.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
