package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory Conn. Reads block until the test injects a frame
// or the conn closes; writes land on out for the test to assert on.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

// newStalledConn returns a conn whose writes block forever, standing in for a
// peer that has stopped reading.
func newStalledConn() *fakeConn {
	c := newFakeConn()
	c.out = nil
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func recvFrame(t *testing.T, c *fakeConn) Frame {
	t.Helper()
	select {
	case data := <-c.out:
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("undecodable frame %s: %v", data, err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func expectNoFrame(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func textRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(func(string) Document { return NewTextDocument() }, time.Minute, nil, nil)
	t.Cleanup(r.Close)
	return r
}

func join(t *testing.T, r *Registry, roomID, user string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s, err := r.Join(roomID, Identity{UserID: user, UserName: user, ColorHex: "#61afef"}, conn)
	if err != nil {
		t.Fatalf("Join(%s) error = %v", roomID, err)
	}
	return s, conn
}

func updateFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	return encodeFrame(Frame{Type: FrameUpdate, Payload: payload})
}

func TestJoinReceivesSnapshotFirst(t *testing.T) {
	r := textRegistry(t)
	s1, _ := join(t, r, "page-1", "alice")
	s1.actor.Deliver(s1.ID, updateFrame(t, textUpdatePayload(t, "body", "hello", 1, "alice")))

	_, c2 := join(t, r, "page-1", "bob")
	first := recvFrame(t, c2)
	if first.Type != FrameSnapshot {
		t.Fatalf("first frame type = %q, want snapshot", first.Type)
	}
	var u textUpdate
	if err := json.Unmarshal(first.Payload, &u); err != nil {
		t.Fatalf("snapshot payload: %v", err)
	}
	if u.Fields["body"].Value != "hello" {
		t.Fatalf("snapshot missed earlier update: %+v", u.Fields)
	}
}

func TestUpdateNeverEchoesToSender(t *testing.T) {
	r := textRegistry(t)
	s1, c1 := join(t, r, "page-1", "alice")
	s2, c2 := join(t, r, "page-1", "bob")
	_, c3 := join(t, r, "page-1", "cara")

	// Drain join-time frames.
	recvFrame(t, c1) // snapshot
	recvFrame(t, c1) // join bob
	recvFrame(t, c1) // join cara
	recvFrame(t, c2) // snapshot
	recvFrame(t, c2) // join cara
	recvFrame(t, c3) // snapshot

	s1.actor.Deliver(s1.ID, updateFrame(t, textUpdatePayload(t, "body", "hi", 1, "alice")))

	for _, c := range []*fakeConn{c2, c3} {
		f := recvFrame(t, c)
		if f.Type != FrameUpdate || f.SessionID != s1.ID {
			t.Fatalf("peer frame = %+v, want update from session %d", f, s1.ID)
		}
	}
	// The sender hears the next room event, never its own update.
	s1.actor.Deliver(s2.ID, encodeFrame(Frame{Type: FrameAwareness, Payload: json.RawMessage(`{"cursor":3}`)}))
	f := recvFrame(t, c1)
	if f.Type != FrameAwareness {
		t.Fatalf("sender received %+v, want only the later awareness frame", f)
	}
	expectNoFrame(t, c1)
}

func TestMalformedUpdateIsIsolated(t *testing.T) {
	r := textRegistry(t)
	s1, c1 := join(t, r, "page-1", "alice")
	s2, c2 := join(t, r, "page-1", "bob")
	_, c3 := join(t, r, "page-1", "cara")

	recvFrame(t, c1)
	recvFrame(t, c1)
	recvFrame(t, c1)
	recvFrame(t, c2)
	recvFrame(t, c2)
	recvFrame(t, c3)

	// Session 2 misbehaves.
	s1.actor.Deliver(s2.ID, []byte("complete garbage"))
	s1.actor.Deliver(s2.ID, updateFrame(t, []byte(`{"fields":{}}`)))
	s1.actor.Deliver(s2.ID, encodeFrame(Frame{Type: "bogus"}))

	// Sessions 1 and 3 observe no state change and remain connected.
	expectNoFrame(t, c1)
	expectNoFrame(t, c3)

	s1.actor.Deliver(s1.ID, updateFrame(t, textUpdatePayload(t, "body", "still alive", 1, "alice")))
	f := recvFrame(t, c3)
	if f.Type != FrameUpdate {
		t.Fatalf("session 3 frame = %+v, want update", f)
	}
	f = recvFrame(t, c2)
	if f.Type != FrameUpdate {
		t.Fatalf("offending session was disconnected or starved: %+v", f)
	}

	// The malformed payloads never reached the document.
	_, c4 := join(t, r, "page-1", "dana")
	snap := recvFrame(t, c4)
	var u textUpdate
	if err := json.Unmarshal(snap.Payload, &u); err != nil {
		t.Fatal(err)
	}
	if got := u.Fields["body"].Value; got != "still alive" {
		t.Fatalf("document state = %q, want %q", got, "still alive")
	}
}

func TestPresenceJoinAndLeave(t *testing.T) {
	r := textRegistry(t)
	s1, c1 := join(t, r, "page-1", "alice")
	recvFrame(t, c1) // snapshot

	s2, _ := join(t, r, "page-1", "bob")
	f := recvFrame(t, c1)
	if f.Type != FrameJoin || f.SessionID != s2.ID || f.UserID != "bob" || f.ColorHex == "" {
		t.Fatalf("join frame = %+v", f)
	}

	s1.actor.Leave(s2.ID)
	f = recvFrame(t, c1)
	if f.Type != FrameLeave || f.SessionID != s2.ID || f.UserID != "bob" {
		t.Fatalf("leave frame = %+v", f)
	}
}

func TestSessionIDsAreRoomScopedAndMonotonic(t *testing.T) {
	r := textRegistry(t)
	s1, _ := join(t, r, "page-1", "alice")
	s2, _ := join(t, r, "page-1", "bob")
	other, _ := join(t, r, "page-2", "cara")
	if s2.ID <= s1.ID {
		t.Fatalf("session ids not monotonic: %d then %d", s1.ID, s2.ID)
	}
	if other.ID != 1 {
		t.Fatalf("session ids leak across rooms: got %d for a fresh room", other.ID)
	}
}

func TestReconnectReceivesAuthoritativeState(t *testing.T) {
	r := textRegistry(t)
	s1, c1 := join(t, r, "page-1", "alice")
	recvFrame(t, c1)
	s1.actor.Deliver(s1.ID, updateFrame(t, textUpdatePayload(t, "body", "v1", 1, "alice")))
	s1.actor.Deliver(s1.ID, updateFrame(t, textUpdatePayload(t, "body", "v2", 2, "alice")))
	s1.actor.Leave(s1.ID)

	// The reconnecting client assumes nothing: its first frame is the full
	// current state.
	_, c2 := join(t, r, "page-1", "alice")
	f := recvFrame(t, c2)
	if f.Type != FrameSnapshot {
		t.Fatalf("first frame after reconnect = %q, want snapshot", f.Type)
	}
	var u textUpdate
	if err := json.Unmarshal(f.Payload, &u); err != nil {
		t.Fatal(err)
	}
	if u.Fields["body"].Value != "v2" {
		t.Fatalf("snapshot = %+v, want latest state", u.Fields)
	}
}

func TestSlowConsumerIsTornDownWithoutBlockingOthers(t *testing.T) {
	r := textRegistry(t)
	s1, _ := join(t, r, "page-1", "alice")
	slow := newStalledConn()
	if _, err := r.Join("page-1", Identity{UserID: "bob", UserName: "bob"}, slow); err != nil {
		t.Fatalf("Join(slow) error = %v", err)
	}
	_, fast := join(t, r, "page-1", "cara")

	// Overflow the stalled session's outbound queue.
	for i := 0; i < sendBuffer+50; i++ {
		payload := textUpdatePayload(t, "body", fmt.Sprintf("v%d", i), int64(i+1), "alice")
		s1.actor.Deliver(s1.ID, updateFrame(t, payload))
	}

	// The fast session keeps receiving: snapshot, join, then updates.
	seenUpdate := false
	deadline := time.After(2 * time.Second)
	for !seenUpdate {
		select {
		case data := <-fast.out:
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatal(err)
			}
			if f.Type == FrameUpdate {
				seenUpdate = true
			}
		case <-deadline:
			t.Fatal("fast session starved by slow peer")
		}
	}

	// The slow session ends up disconnected.
	waitFor(t, func() bool { return slow.isClosed() }, "slow session was not torn down")
}

func TestIdleRoomIsEvictedAfterGrace(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	r := NewRegistry(
		func(string) Document { return NewTextDocument() },
		20*time.Millisecond,
		nil,
		func(roomID string, doc Document) {
			mu.Lock()
			evicted = append(evicted, roomID)
			mu.Unlock()
		},
	)
	t.Cleanup(r.Close)

	s1, _ := join(t, r, "page-1", "alice")
	s1.actor.Leave(s1.ID)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1 && evicted[0] == "page-1"
	}, "room was not evicted after the idle grace window")

	if r.Rooms() != 0 {
		t.Fatalf("Rooms() = %d after eviction, want 0", r.Rooms())
	}

	// A later join recreates the room.
	_, c := join(t, r, "page-1", "bob")
	if f := recvFrame(t, c); f.Type != FrameSnapshot {
		t.Fatalf("rejoin first frame = %q", f.Type)
	}
}

func TestEvictionHandsOverFinalDocument(t *testing.T) {
	type handoff struct {
		roomID string
		blocks []Block
	}
	done := make(chan handoff, 1)
	r := NewRegistry(
		func(roomID string) Document { return NewBlockDocument(roomID) },
		20*time.Millisecond,
		nil,
		func(roomID string, doc Document) {
			done <- handoff{roomID: roomID, blocks: doc.(*BlockDocument).OrderedBlocks()}
		},
	)
	t.Cleanup(r.Close)

	s1, _ := join(t, r, "page-1", "alice")
	s1.actor.Deliver(s1.ID, updateFrame(t, blockUpdatePayload(t,
		blockState{ID: blockB, SortKey: lww("a1", 1, "alice")},
		blockState{ID: blockA, SortKey: lww("a0", 1, "alice")},
	)))
	s1.actor.Leave(s1.ID)

	select {
	case h := <-done:
		if h.roomID != "page-1" {
			t.Fatalf("evicted room = %q, want page-1", h.roomID)
		}
		if len(h.blocks) != 2 || h.blocks[0].ID != blockA || h.blocks[1].ID != blockB {
			t.Fatalf("final block order = %v", h.blocks)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("eviction callback never fired")
	}
	select {
	case h := <-done:
		t.Fatalf("room evicted twice: %+v", h)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinCancelsIdleEviction(t *testing.T) {
	r := NewRegistry(func(string) Document { return NewTextDocument() }, 30*time.Millisecond, nil, nil)
	t.Cleanup(r.Close)

	s1, _ := join(t, r, "page-1", "alice")
	s1.actor.Leave(s1.ID)
	// Rejoin inside the grace window keeps the room alive.
	_, c2 := join(t, r, "page-1", "bob")
	time.Sleep(60 * time.Millisecond)
	if r.Rooms() != 1 {
		t.Fatalf("Rooms() = %d, want the rejoined room retained", r.Rooms())
	}
	if f := recvFrame(t, c2); f.Type != FrameSnapshot {
		t.Fatalf("first frame = %q", f.Type)
	}
}

func TestSeedRestoresRetainedSnapshot(t *testing.T) {
	seedDoc := NewTextDocument()
	if err := seedDoc.Apply(textUpdatePayload(t, "body", "retained", 5, "alice")); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(
		func(string) Document { return NewTextDocument() },
		time.Minute,
		func(roomID string) []byte { return seedDoc.Snapshot() },
		nil,
	)
	t.Cleanup(r.Close)

	_, c := join(t, r, "page-1", "bob")
	f := recvFrame(t, c)
	var u textUpdate
	if err := json.Unmarshal(f.Payload, &u); err != nil {
		t.Fatal(err)
	}
	if u.Fields["body"].Value != "retained" {
		t.Fatalf("seeded snapshot missing: %+v", u.Fields)
	}
}

func TestRegistryCloseRejectsJoins(t *testing.T) {
	r := NewRegistry(func(string) Document { return NewTextDocument() }, time.Minute, nil, nil)
	_, _ = join(t, r, "page-1", "alice")
	r.Close()
	if _, err := r.Join("page-1", Identity{UserID: "bob"}, newFakeConn()); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Join after Close error = %v, want ErrRegistryClosed", err)
	}
}

func TestReadLoopLeaveOnConnClose(t *testing.T) {
	r := textRegistry(t)
	_, c1 := join(t, r, "page-1", "alice")
	s2, c2 := join(t, r, "page-1", "bob")
	go s2.ReadLoop()

	recvFrame(t, c1) // snapshot
	recvFrame(t, c1) // join bob

	c2.Close()
	f := recvFrame(t, c1)
	if f.Type != FrameLeave || f.SessionID != s2.ID {
		t.Fatalf("frame after conn close = %+v, want leave", f)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
