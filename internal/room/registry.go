package room

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrRegistryClosed is returned for joins arriving during shutdown.
var ErrRegistryClosed = errors.New("room registry closed")

// SeedFunc supplies a stored snapshot for a room being recreated, or nil when
// none is retained.
type SeedFunc func(roomID string) []byte

// EvictFunc observes a room being reclaimed; it receives the final document
// so collaborators can snapshot it or commit its agreed ordering.
type EvictFunc func(roomID string, doc Document)

// Registry maps room ids to their live actors. Rooms are created lazily on
// first join and reclaimed after the idle grace window; different rooms run
// fully concurrently.
type Registry struct {
	shape   Shape
	idle    time.Duration
	seed    SeedFunc
	onEvict EvictFunc

	mu     sync.Mutex
	rooms  map[string]*Actor
	closed bool
}

func NewRegistry(shape Shape, idleGrace time.Duration, seed SeedFunc, onEvict EvictFunc) *Registry {
	return &Registry{
		shape:   shape,
		idle:    idleGrace,
		seed:    seed,
		onEvict: onEvict,
		rooms:   make(map[string]*Actor),
	}
}

// Ensure returns the live actor for a room, creating it if needed.
func (r *Registry) Ensure(roomID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if a, ok := r.rooms[roomID]; ok && !a.stopped() {
		return a, nil
	}
	doc := r.shape(roomID)
	if r.seed != nil {
		if snap := r.seed(roomID); len(snap) > 0 {
			if err := doc.Apply(snap); err != nil {
				log.Printf("room %s: discarding unreadable retained snapshot: %v", roomID, err)
			}
		}
	}
	a := newActor(roomID, doc, r.idle, r.evicted)
	r.rooms[roomID] = a
	return a, nil
}

// Join connects a session to a room. It retries once if the actor evicts
// between lookup and join.
func (r *Registry) Join(roomID string, identity Identity, conn Conn) (*Session, error) {
	for attempt := 0; attempt < 2; attempt++ {
		a, err := r.Ensure(roomID)
		if err != nil {
			return nil, err
		}
		s, err := a.Join(identity, conn)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		return s, err
	}
	return nil, ErrRoomClosed
}

// Rooms reports how many rooms are currently live.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close evicts every room and rejects further joins. Used at shutdown so
// retained snapshots and order commits are flushed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.rooms))
	for _, a := range r.rooms {
		actors = append(actors, a)
	}
	r.mu.Unlock()
	for _, a := range actors {
		a.Shutdown()
	}
}

func (r *Registry) evicted(roomID string, doc Document) {
	r.mu.Lock()
	if a, ok := r.rooms[roomID]; ok && a.stopped() {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	if r.onEvict != nil {
		r.onEvict(roomID, doc)
	}
}
