package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/chat"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/session"
)

// Message types carried in the envelope.
const (
	TypeJoin         = "join"
	TypeSnapshot     = "snapshot"
	TypeEdit         = "edit"
	TypeAck          = "ack"
	TypeCursor       = "cursor"
	TypeSelection    = "selection"
	TypeChat         = "chat"
	TypeLeave        = "leave"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeError        = "error"
)

// Error codes surfaced on the wire.
const (
	CodeMalformedOperation = "MALFORMED_OPERATION"
	CodeUnknownBaseVersion = "UNKNOWN_BASE_VERSION"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeDuplicateOp        = "DUPLICATE_OR_OUT_OF_ORDER"
	CodeInternal           = "INTERNAL"
)

// Envelope is the JSON frame every message travels in, both directions.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// JoinPayload is sent by a client right after the handshake.
type JoinPayload struct {
	ClientType    string   `json:"clientType"`
	ClientVersion string   `json:"clientVersion"`
	Capabilities  []string `json:"capabilities"`
	// ChatFromSeq asks for chat replay after the given sequence number.
	ChatFromSeq uint64 `json:"chatFromSeq,omitempty"`
	// SinceVersion asks for incremental op replay from a previous session
	// of this client; a gap the retained history cannot cover falls back
	// to a full snapshot.
	SinceVersion uint64 `json:"sinceVersion,omitempty"`
}

// SnapshotPayload rebuilds a client's local state from scratch.
type SnapshotPayload struct {
	Version      uint64                `json:"version"`
	Content      string                `json:"content"`
	Participants []session.Participant `json:"participants"`
	// Online is the presence view: members with a live heartbeat, which
	// can lag the participant list across process restarts.
	Online  []cache.Member `json:"online,omitempty"`
	ChatSeq uint64         `json:"chatSeq"`
}

// EditPayload is a client-authored operation against a claimed base version.
type EditPayload struct {
	BaseVersion uint64       `json:"baseVersion"`
	ClientID    string       `json:"clientId"`
	ClientSeq   uint64       `json:"clientSeq"`
	Steps       ot.Operation `json:"steps"`
}

// EditBroadcast is an accepted operation fanned out to the other
// participants; the steps are the rebased ones.
type EditBroadcast struct {
	Version  uint64       `json:"version"`
	Steps    ot.Operation `json:"steps"`
	AuthorID string       `json:"authorId"`
}

// AckPayload answers the author of an accepted edit. Steps echo the rebased
// operation so an optimistic client can realign.
type AckPayload struct {
	Version uint64       `json:"version"`
	Steps   ot.Operation `json:"steps"`
}

type ChatPayload struct {
	Body string `json:"body"`
}

// LeavePayload announces a departure to the remaining participants.
type LeavePayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

// JoinBroadcast announces an arrival to the other participants.
type JoinBroadcast struct {
	Participant session.Participant `json:"participant"`
}

// ErrorPayload names a failure. Snapshot is populated on
// UNKNOWN_BASE_VERSION so the client can resynchronize in one round trip.
type ErrorPayload struct {
	Code     string           `json:"code"`
	Message  string           `json:"message"`
	Details  any              `json:"details,omitempty"`
	Version  uint64           `json:"version,omitempty"`
	Snapshot *SnapshotPayload `json:"snapshot,omitempty"`
}

// CursorPayload and SelectionPayload reuse the presence cache's shapes so
// the stored state and the broadcast state cannot drift.
type CursorPayload = cache.Cursor

type SelectionPayload = cache.Selection

// ChatBroadcast is a sequenced chat message, sent to all participants
// including the author.
type ChatBroadcast = chat.Message

// newEnvelope wraps a payload, stamping id and time. Marshal failures are
// impossible for the payload types above, so they collapse to an internal
// error envelope rather than propagate.
func newEnvelope(msgType, sessionID, userID string, payload any) Envelope {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now(),
		UserID:    userID,
		SessionID: sessionID,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return newEnvelope(TypeError, sessionID, userID, ErrorPayload{
				Code:    CodeInternal,
				Message: "encode payload",
			})
		}
		env.Payload = b
	}
	return env
}
