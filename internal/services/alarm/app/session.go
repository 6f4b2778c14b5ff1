package server

import (
	"encoding/json"
	"io"
	"sync"
)

const defaultSendQueueDepth = 64

// session is one live authenticated duplex connection. Outbound frames are
// enqueued without blocking and drained by a single writer goroutine, so a
// slow peer never stalls the broadcaster or another session.
type session struct {
	userID   string
	username string

	conn      io.Closer
	queue     chan wsFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(userID string, username string, conn io.Closer, queueDepth int) *session {
	if queueDepth <= 0 {
		queueDepth = defaultSendQueueDepth
	}
	return &session{
		userID:   userID,
		username: username,
		conn:     conn,
		queue:    make(chan wsFrame, queueDepth),
		done:     make(chan struct{}),
	}
}

// enqueue offers a frame to the outbound queue. It reports false when the
// session is closed or the queue is full; the caller decides the
// backpressure policy.
func (s *session) enqueue(frame wsFrame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- frame:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// writeLoop drains the queue onto the connection until the session closes
// or a write fails. It is the only goroutine writing to the transport.
func (s *session) writeLoop(w io.Writer) {
	encoder := json.NewEncoder(w)
	for {
		select {
		case frame := <-s.queue:
			if err := encoder.Encode(frame); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
