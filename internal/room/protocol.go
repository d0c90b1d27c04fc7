package room

import "encoding/json"

// Frame types on the post-upgrade message stream.
const (
	FrameSnapshot  = "snapshot"
	FrameUpdate    = "update"
	FrameAwareness = "awareness"
	FrameJoin      = "join"
	FrameLeave     = "leave"
)

// Frame is the envelope for every message on a sync socket. The payload of
// update frames is opaque outside the document merge; awareness payloads are
// opaque everywhere and never merged.
type Frame struct {
	Type      string          `json:"type"`
	SessionID int64           `json:"sessionId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	UserName  string          `json:"userName,omitempty"`
	ColorHex  string          `json:"colorHex,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func encodeFrame(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

func presenceFrame(frameType string, s *Session) []byte {
	return encodeFrame(Frame{
		Type:      frameType,
		SessionID: s.ID,
		UserID:    s.Identity.UserID,
		UserName:  s.Identity.UserName,
		ColorHex:  s.Identity.ColorHex,
	})
}
