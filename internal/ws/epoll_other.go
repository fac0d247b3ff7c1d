//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll is the portable stand-in for the Linux poller. Each armed connection
// gets a goroutine that peeks one byte from the connection's buffered reader
// and reports it ready; the goroutine then waits for the next Arm, so the
// worker never shares the reader with it.
type Epoll struct {
	mu      sync.Mutex
	watched map[*Connection]chan struct{} // connection -> resume signal
	ready   chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watched: make(map[*Connection]chan struct{}),
		ready:   make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Arm asks for one notification when c has data to read.
func (e *Epoll) Arm(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watched == nil {
		return net.ErrClosed
	}
	resume, ok := e.watched[c]
	if !ok {
		resume = make(chan struct{}, 1)
		e.watched[c] = resume
		go e.monitor(c, resume)
	}
	select {
	case resume <- struct{}{}:
	default:
	}
	return nil
}

func (e *Epoll) monitor(c *Connection, resume <-chan struct{}) {
	for {
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}

		// Peek does not consume; a read error is reported as readiness too
		// so the worker sees the failure.
		_, err := c.reader.Peek(1)
		select {
		case e.ready <- c:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Remove stops watching c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if resume, ok := e.watched[c]; ok {
		delete(e.watched, c)
		close(resume)
	}
	return nil
}

// Wait blocks for up to 100ms and returns the connections that became
// readable.
func (e *Epoll) Wait() ([]*Connection, error) {
	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()

	select {
	case first := <-e.ready:
		conns := []*Connection{first}
		for {
			select {
			case c := <-e.ready:
				conns = append(conns, c)
			default:
				return conns, nil
			}
		}
	case <-e.done:
		return nil, net.ErrClosed
	case <-timer.C:
		return nil, nil
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.mu.Lock()
		for _, resume := range e.watched {
			close(resume)
		}
		e.watched = nil
		e.mu.Unlock()
	})
	return nil
}

// socketFD is unused by the fallback poller.
func socketFD(net.Conn) int {
	return -1
}
