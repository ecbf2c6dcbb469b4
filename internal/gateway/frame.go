package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Frame is the JSON envelope of every gateway message: `{op, d?, s?, t?}`.
// Sequence and event type are only present on Dispatch frames.
type Frame struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type *DispatchEvent  `json:"t,omitempty"`
}

// HelloData is the payload of the op 10 Hello frame.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// IdentifyData is the payload of the op 2 Identify frame. Compress and
// intents are accepted for wire compatibility but not consulted.
type IdentifyData struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Compress   bool               `json:"compress,omitempty"`
	Intents    int64              `json:"intents,omitempty"`
}

// ResumeData is the payload of the op 6 Resume frame.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// PresenceUpdateData is the payload of the inbound op 3 frame.
type PresenceUpdateData struct {
	Status       string `json:"status"`
	CustomStatus string `json:"custom_status,omitempty"`
}

// RequestGuildMembersData is the payload of the op 8 frame.
type RequestGuildMembersData struct {
	GuildID snowflake.ID `json:"guild_id"`
	Limit   int          `json:"limit"`
	After   snowflake.ID `json:"after,omitempty"`
}

// NewHelloFrame returns a serialised Hello frame with the heartbeat interval
// in milliseconds.
func NewHelloFrame(heartbeatIntervalMS int) ([]byte, error) {
	data, err := json.Marshal(HelloData{HeartbeatInterval: heartbeatIntervalMS})
	if err != nil {
		return nil, fmt.Errorf("marshal hello data: %w", err)
	}
	return json.Marshal(Frame{Op: OpcodeHello, Data: data})
}

// NewHeartbeatACKFrame returns a serialised HeartbeatACK frame.
func NewHeartbeatACKFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeHeartbeatACK})
}

// NewDispatchFrame returns a serialised Dispatch frame carrying the sequence
// number and event type in the envelope.
func NewDispatchFrame(seq int64, eventType DispatchEvent, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op:   OpcodeDispatch,
		Seq:  &seq,
		Type: &eventType,
		Data: data,
	})
}

// NewReconnectFrame returns a serialised Reconnect frame instructing the
// client to reconnect.
func NewReconnectFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeReconnect})
}

// NewInvalidSessionFrame returns a serialised InvalidSession frame. The
// resumable flag tells the client whether a resume attempt may succeed or it
// must re-identify.
func NewInvalidSessionFrame(resumable bool) ([]byte, error) {
	data, err := json.Marshal(resumable)
	if err != nil {
		return nil, fmt.Errorf("marshal invalid session data: %w", err)
	}
	return json.Marshal(Frame{Op: OpcodeInvalidSession, Data: data})
}
