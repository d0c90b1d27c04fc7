// Package gateway is the HTTP entry point for the sync service. It
// authenticates and authorizes WebSocket upgrade requests and routes them to
// the room actor addressed by the validated room id. All pre-upgrade failures
// are terminal HTTP responses; nothing degraded is ever handed to a room.
package gateway

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tandem/api/internal/auth"
	"tandem/api/internal/room"
	"tandem/api/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from the app origin; token auth is what gates
	// access, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Endpoint is one mounted WebSocket surface. Room-id format and authorization
// are injected per endpoint rather than assuming one canonical scheme.
type Endpoint struct {
	Name      string
	Path      string
	Registry  *room.Registry
	RoomID    RoomIDPolicy
	Authorize AuthorizePolicy
}

// Check is a readiness probe for a backing service.
type Check func(ctx context.Context) error

type Server struct {
	verifier   auth.Verifier
	tickets    *TicketStore
	corsOrigin string
	endpoints  []Endpoint
	checks     map[string]Check
}

func NewServer(verifier auth.Verifier, tickets *TicketStore, corsOrigin string, checks map[string]Check, endpoints ...Endpoint) *Server {
	return &Server{
		verifier:   verifier,
		tickets:    tickets,
		corsOrigin: corsOrigin,
		endpoints:  endpoints,
		checks:     checks,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/sync/ticket", s.handleTicket).Methods(http.MethodPost)
	for _, ep := range s.endpoints {
		ep := ep
		r.HandleFunc(ep.Path, func(w http.ResponseWriter, req *http.Request) {
			s.handleUpgrade(ep, w, req)
		})
	}
	return s.withMiddleware(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleTicket exchanges a bearer credential for a short-lived single-use
// query token, for browser WebSocket clients that cannot set headers.
func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	if s.tickets == nil {
		writeError(w, http.StatusServiceUnavailable, "TICKETS_UNAVAILABLE", "Ticket exchange not configured", nil)
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return
	}
	if _, err := s.verifier.Verify(token); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return
	}
	ticket, err := s.tickets.Issue(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Ticket issue failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":           ticket,
		"expiresInSeconds": int(s.tickets.TTL().Seconds()),
	})
}

func (s *Server) handleUpgrade(ep Endpoint, w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	roomID := mux.Vars(r)["room"]

	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusUpgradeRequired, "UPGRADE_REQUIRED", "WebSocket upgrade required", nil)
		return
	}

	identity, err := s.resolveIdentity(r)
	if err != nil {
		log.Printf("sync %s: request %s rejected room %q: unauthenticated", ep.Name, requestID, roomID)
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return
	}

	if err := ep.RoomID(roomID); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ROOM_ID", "Invalid room id", nil)
		return
	}

	if err := ep.Authorize(identity, roomID); err != nil {
		log.Printf("sync %s: request %s user %s denied room %q", ep.Name, requestID, identity.Subject, roomID)
		writeError(w, http.StatusForbidden, "UNAUTHORIZED", "Not allowed to join this room", nil)
		return
	}

	// Resolve the room before committing to the upgrade so downstream
	// failures stay plain HTTP responses with a safe body.
	if _, err := ep.Registry.Ensure(roomID); err != nil {
		log.Printf("sync %s: request %s room %q unavailable: %v", ep.Name, requestID, roomID, err)
		writeError(w, http.StatusInternalServerError, "DOWNSTREAM_FAILURE", "Sync room unavailable", nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}

	// The session identity comes from the verified credential only; any
	// identity fields the client supplied are ignored.
	sess, err := ep.Registry.Join(roomID, room.Identity{
		UserID:   identity.Subject,
		UserName: displayName(identity),
		ColorHex: util.ColorFor(identity.Subject),
	}, conn)
	if err != nil {
		log.Printf("sync %s: request %s join failed for room %q: %v", ep.Name, requestID, roomID, err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable"))
		_ = conn.Close()
		return
	}

	log.Printf("sync %s: request %s user %s joined room %q as session %d", ep.Name, requestID, identity.Subject, roomID, sess.ID)
	sess.ReadLoop()
}

// resolveIdentity verifies the caller's credential: a bearer header, or a
// one-time query ticket exchanged for the bearer token it was issued against
// and then stripped from the forwarded URL.
func (s *Server) resolveIdentity(r *http.Request) (auth.Identity, error) {
	token := bearerToken(r)
	if token == "" && s.tickets != nil {
		if ticket := r.URL.Query().Get("ticket"); ticket != "" {
			redeemed, err := s.tickets.Redeem(r.Context(), ticket)
			if err != nil {
				return auth.Identity{}, err
			}
			token = redeemed
			q := r.URL.Query()
			q.Del("ticket")
			r.URL.RawQuery = q.Encode()
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if token == "" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return s.verifier.Verify(token)
}

func displayName(id auth.Identity) string {
	if id.Name != "" {
		return id.Name
	}
	return id.Subject
}
