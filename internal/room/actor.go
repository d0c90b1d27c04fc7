package room

import (
	"encoding/json"
	"errors"
	"log"
	"time"
)

// ErrRoomClosed is returned when a message is addressed to a room that has
// already been evicted.
var ErrRoomClosed = errors.New("room closed")

// mailboxSize bounds the actor's inbound queue. Read loops posting into a
// full mailbox block, which applies backpressure per room without affecting
// other rooms.
const mailboxSize = 256

// Actor owns one room: its document and its session table. Every mutation
// funnels through the mailbox and is executed by a single goroutine, so the
// mailbox is the lock — there is no other synchronization on room state.
type Actor struct {
	id        string
	doc       Document
	idleGrace time.Duration
	onEvict   func(roomID string, doc Document)

	mailbox chan func()
	done    chan struct{}

	// Owned by the actor goroutine.
	sessions  map[int64]*Session
	nextID    int64
	idleTimer *time.Timer
}

func newActor(id string, doc Document, idleGrace time.Duration, onEvict func(string, Document)) *Actor {
	a := &Actor{
		id:        id,
		doc:       doc,
		idleGrace: idleGrace,
		onEvict:   onEvict,
		mailbox:   make(chan func(), mailboxSize),
		done:      make(chan struct{}),
		sessions:  make(map[int64]*Session),
	}
	go a.run()
	// A room starts empty; if the join that created it never lands, the
	// grace timer reclaims it.
	_ = a.post(a.startIdleTimer)
	return a
}

func (a *Actor) run() {
	for {
		select {
		case <-a.done:
			return
		default:
		}
		select {
		case msg := <-a.mailbox:
			msg()
		case <-a.done:
			return
		}
	}
}

func (a *Actor) post(msg func()) error {
	select {
	case <-a.done:
		return ErrRoomClosed
	default:
	}
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.done:
		return ErrRoomClosed
	}
}

func (a *Actor) stopped() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Join registers a new session. The first frame queued for the session is the
// full document snapshot; everyone else in the room hears a presence join.
func (a *Actor) Join(identity Identity, conn Conn) (*Session, error) {
	ready := make(chan *Session, 1)
	err := a.post(func() {
		a.nextID++
		s := &Session{
			ID:       a.nextID,
			Identity: identity,
			actor:    a,
			conn:     conn,
			send:     make(chan []byte, sendBuffer),
		}
		// Queued before the pump starts, so it is always delivered first.
		s.send <- encodeFrame(Frame{Type: FrameSnapshot, SessionID: s.ID, Payload: a.doc.Snapshot()})
		a.sessions[s.ID] = s
		a.stopIdleTimer()
		go s.writePump()
		a.broadcast(s.ID, presenceFrame(FrameJoin, s))
		ready <- s
	})
	if err != nil {
		return nil, err
	}
	select {
	case s := <-ready:
		return s, nil
	case <-a.done:
		return nil, ErrRoomClosed
	}
}

// Deliver routes a raw inbound frame from a session into the room.
func (a *Actor) Deliver(sessionID int64, data []byte) {
	_ = a.post(func() { a.handleFrame(sessionID, data) })
}

// Leave tears a session down and announces its departure.
func (a *Actor) Leave(sessionID int64) {
	_ = a.post(func() { a.removeSession(sessionID, true) })
}

// Shutdown evicts the room immediately, tearing down any connected sessions
// without presence announcements. It blocks until the actor has stopped.
func (a *Actor) Shutdown() {
	err := a.post(func() {
		ids := make([]int64, 0, len(a.sessions))
		for id := range a.sessions {
			ids = append(ids, id)
		}
		for _, id := range ids {
			a.removeSession(id, false)
		}
		a.stopIdleTimer()
		a.evict()
	})
	if err != nil {
		return
	}
	<-a.done
}

// handleFrame runs on the actor goroutine. A malformed frame is dropped and
// logged; it never reaches the document or the other sessions.
func (a *Actor) handleFrame(sessionID int64, data []byte) {
	s, ok := a.sessions[sessionID]
	if !ok {
		// Session already torn down; late frames are dropped.
		return
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("room %s: dropping undecodable frame from session %d: %v", a.id, sessionID, err)
		return
	}
	switch f.Type {
	case FrameUpdate:
		if err := a.doc.Apply(f.Payload); err != nil {
			log.Printf("room %s: dropping malformed update from session %d: %v", a.id, sessionID, err)
			return
		}
		a.broadcast(sessionID, encodeFrame(Frame{
			Type:      FrameUpdate,
			SessionID: sessionID,
			Payload:   f.Payload,
		}))
	case FrameAwareness:
		// Relay only: awareness is ephemeral and never merged or persisted.
		a.broadcast(sessionID, encodeFrame(Frame{
			Type:      FrameAwareness,
			SessionID: sessionID,
			UserID:    s.Identity.UserID,
			UserName:  s.Identity.UserName,
			ColorHex:  s.Identity.ColorHex,
			Payload:   f.Payload,
		}))
	default:
		log.Printf("room %s: dropping frame with unknown type %q from session %d", a.id, f.Type, sessionID)
	}
}

// broadcast queues data for every session except the sender. A recipient
// whose queue is full is torn down after the sweep, so one slow socket never
// blocks or fails delivery to the others.
func (a *Actor) broadcast(except int64, data []byte) {
	var failed []int64
	for id, s := range a.sessions {
		if id == except {
			continue
		}
		select {
		case s.send <- data:
		default:
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		log.Printf("room %s: session %d outbound queue full, disconnecting", a.id, id)
		a.removeSession(id, true)
	}
}

func (a *Actor) removeSession(sessionID int64, announce bool) {
	s, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	delete(a.sessions, sessionID)
	close(s.send)
	_ = s.conn.Close()
	if announce {
		a.broadcast(s.ID, presenceFrame(FrameLeave, s))
	}
	if len(a.sessions) == 0 {
		a.startIdleTimer()
	}
}

func (a *Actor) startIdleTimer() {
	a.stopIdleTimer()
	a.idleTimer = time.AfterFunc(a.idleGrace, func() {
		_ = a.post(func() {
			if len(a.sessions) == 0 {
				a.evict()
			}
		})
	})
}

func (a *Actor) stopIdleTimer() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
}

// evict stops the actor. Runs on the actor goroutine; after done closes no
// further messages are accepted.
func (a *Actor) evict() {
	if a.stopped() {
		return
	}
	close(a.done)
	if a.onEvict != nil {
		a.onEvict(a.id, a.doc)
	}
}
