package hub

import "encoding/json"

// Frame types on the wire. Every frame is one JSON text message.
const (
	FrameEvent      = "event"
	FrameInvoke     = "invoke"
	FrameCompletion = "completion"
	FramePing       = "ping"
	FramePong       = "pong"
)

// Server-side operations a client may invoke.
const (
	TargetJoinGroup  = "JoinGroup"
	TargetLeaveGroup = "LeaveGroup"
)

// Frame is the envelope for every hub message. Fields unused by a given
// frame type are omitted.
type Frame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
	Target  string          `json:"target,omitempty"`
	Args    []string        `json:"args,omitempty"`
	Error   string          `json:"error,omitempty"`
}
