package gateway

import (
	"fmt"
	"regexp"

	"tandem/api/internal/auth"
)

// RoomIDPolicy validates a room identifier before any routing happens.
type RoomIDPolicy func(roomID string) error

// AuthorizePolicy decides whether a verified caller may join a room.
type AuthorizePolicy func(caller auth.Identity, roomID string) error

var (
	opaqueRoomIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._~-]*$`)
	strictRoomIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
)

// OpaqueRoomID accepts length-bounded opaque tokens, the format used for
// page-scoped and ad-hoc rooms.
func OpaqueRoomID(maxLength int) RoomIDPolicy {
	return func(roomID string) error {
		if roomID == "" || len(roomID) > maxLength {
			return fmt.Errorf("room id length out of bounds")
		}
		if !opaqueRoomIDPattern.MatchString(roomID) {
			return fmt.Errorf("room id has invalid characters")
		}
		return nil
	}
}

// StrictRoomID accepts only lowercase identifier-shaped room names.
func StrictRoomID() RoomIDPolicy {
	return func(roomID string) error {
		if !strictRoomIDPattern.MatchString(roomID) {
			return fmt.Errorf("room id is not a valid identifier")
		}
		return nil
	}
}

// AllowAuthenticated admits any verified caller.
func AllowAuthenticated() AuthorizePolicy {
	return func(auth.Identity, string) error { return nil }
}

// RequireCallerRoom admits a caller only to the room named after their own
// subject id (per-user scratch rooms).
func RequireCallerRoom() AuthorizePolicy {
	return func(caller auth.Identity, roomID string) error {
		if caller.Subject != roomID {
			return fmt.Errorf("caller %s may not join room %s", caller.Subject, roomID)
		}
		return nil
	}
}
