package collab

import (
	"time"

	"collabcore/backend/internal/ot"
)

const eventOpApplied = "OP_APPLIED"

// OpEvent is the record published to the op event stream for every accepted
// operation, keyed by session so one session stays in one partition.
type OpEvent struct {
	EventType   string       `json:"eventType"`
	SessionID   string       `json:"sessionId"`
	OperationID string       `json:"operationId"`
	Version     uint64       `json:"version"`
	AuthorID    string       `json:"authorId"`
	ClientID    string       `json:"clientId"`
	ClientSeq   uint64       `json:"clientSeq"`
	BaseVersion uint64       `json:"baseVersion"`
	Steps       ot.Operation `json:"steps"`
	AppliedAt   time.Time    `json:"appliedAt"`
}
