package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errSinkClosed = errors.New("sink closed")

const wsWriteDeadline = 5 * time.Second

// sseSink adapts an HTTP response stream to the hub's Sink interface. Frames
// are flushed immediately; a forced close from the hub wakes the handler via
// the done channel so it can end the request.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

func (s *sseSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSinkClosed
	}
	if _, err := s.w.Write(p); err != nil {
		s.closed = true
		s.signalDone()
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signalDone()
	return nil
}

func (s *sseSink) signalDone() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed when the sink is closed from either side; the handler waits
// on it to terminate the HTTP request after a forced drain.
func (s *sseSink) Done() <-chan struct{} {
	return s.done
}

// wsSink adapts a gorilla WebSocket connection to the hub's Sink interface.
// The hub's SSE-encoded frames are carried as text messages.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	closeOnce sync.Once
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSinkClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		s.closed = true
		return err
	}
	return nil
}

func (s *wsSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close sends a close frame and tears the connection down, which also ends
// the handler's read pump.
func (s *wsSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "connection drained")
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		_ = s.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		s.mu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}
