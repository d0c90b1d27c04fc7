package room

import (
	"github.com/gorilla/websocket"
)

// Conn is the transport a session speaks over. *websocket.Conn satisfies it;
// tests use in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Identity is the server-resolved identity attached to a session by the
// gateway. It is never taken from client-supplied fields.
type Identity struct {
	UserID   string
	UserName string
	ColorHex string
}

// sendBuffer bounds each session's outbound queue. A session that cannot keep
// up is torn down rather than allowed to stall the room's broadcasts.
const sendBuffer = 256

// Session is one connected socket in a room. It is owned exclusively by its
// actor: the actor registers it, routes its frames, and tears it down.
type Session struct {
	ID       int64
	Identity Identity

	actor *Actor
	conn  Conn
	send  chan []byte
}

// ReadLoop pumps inbound frames into the actor until the socket fails or
// closes, then announces the departure. It runs on the caller's goroutine.
func (s *Session) ReadLoop() {
	defer s.actor.Leave(s.ID)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.actor.Deliver(s.ID, data)
	}
}

// writePump drains the outbound queue onto the socket. A write failure tears
// this session down without touching the room's other deliveries.
func (s *Session) writePump() {
	defer s.conn.Close()
	for data := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.actor.Leave(s.ID)
			return
		}
	}
}
