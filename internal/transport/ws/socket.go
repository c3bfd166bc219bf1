package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameBytes bounds one inbound frame. Chunks are line-sized; anything
// near this limit is a peer gone wrong.
const maxFrameBytes = 64 << 10

// socket wraps one websocket connection with the buffered writer pump and
// deadline-managed reader both roles share. State machines never touch the
// connection directly; they enqueue frames and consume reader callbacks.
type socket struct {
	conn *websocket.Conn
	send chan []byte

	writeTimeout time.Duration
	pongWait     time.Duration

	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn, sendBuffer int, writeTimeout, pongWait time.Duration) *socket {
	return &socket{
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		pongWait:     pongWait,
	}
}

// enqueue hands one frame to the writer pump. A false result means the
// buffer is full: the consumer is not keeping up.
func (s *socket) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend flushes whatever is buffered and has the writer finish with a
// close frame. Safe to call more than once.
func (s *socket) closeSend() {
	s.closeOnce.Do(func() { close(s.send) })
}

// abort severs the connection without ceremony. The reader surfaces the
// resulting error.
func (s *socket) abort() {
	_ = s.conn.Close()
}

// writeLoop drains the send buffer one text message per frame and keeps
// the connection alive with pings. It owns the connection's write side and
// closes the connection on exit.
func (s *socket) writeLoop() {
	ticker := time.NewTicker(s.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop delivers inbound frames until the connection ends, then reports
// the terminal error. Callbacks run on the reader goroutine; callers are
// expected to reschedule onto their engine queue.
func (s *socket) readLoop(onFrame func(payload []byte), onClosed func(err error)) {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			onClosed(err)
			return
		}
		onFrame(payload)
	}
}

// expectedClose reports whether err is a clean peer-initiated close rather
// than an unexpected connection loss.
func expectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
