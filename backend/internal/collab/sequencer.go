package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabcore/backend/internal/ot"
)

var (
	// ErrUnknownBaseVersion means the client's base version cannot be rebased
	// against: either it is ahead of the server or it fell off the history
	// window. The client must resync from a snapshot.
	ErrUnknownBaseVersion = errors.New("UNKNOWN_BASE_VERSION")
	// ErrDuplicateOrOutOfOrder rejects a clientSeq below the last one
	// recorded for that client.
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	// ErrSessionCorrupt marks a session whose convergence invariant was
	// violated; it only accepts snapshot reads until torn down.
	ErrSessionCorrupt = errors.New("SESSION_CORRUPT")
)

// AcceptedOp is an operation after the sequencer assigned it a canonical
// version. Steps are the rebased steps, not necessarily what the client sent.
type AcceptedOp struct {
	OperationID string       `json:"operationId"`
	SessionID   string       `json:"sessionId"`
	Version     uint64       `json:"version"`
	AuthorID    string       `json:"authorId"`
	ClientID    string       `json:"clientId"`
	ClientSeq   uint64       `json:"clientSeq"`
	Steps       ot.Operation `json:"steps"`
	AppliedAt   time.Time    `json:"appliedAt"`
}

// SubmitRequest is a client-authored operation against a claimed base version.
type SubmitRequest struct {
	AuthorID    string
	ClientID    string
	ClientSeq   uint64
	BaseVersion uint64
	Steps       ot.Operation
}

// clientMark remembers the last accepted op per client instance so an exact
// resend can be re-acked instead of rejected.
type clientMark struct {
	seq      uint64
	accepted AcceptedOp
}

// Sequencer is the single authority for one session's document: it owns the
// version counter and the canonical operation history. All submissions for
// the session serialize on its mutex; the mutex is held only across
// validate/transform/apply, never across I/O.
type Sequencer struct {
	sessionID string
	events    *Dispatcher
	log       *zap.Logger

	mu         sync.Mutex
	version    uint64
	buf        Buffer
	history    []AcceptedOp // ring of recent accepted ops, oldest first
	historyCap int
	marks      map[string]clientMark
	corrupt    bool
}

func NewSequencer(sessionID, content string, version uint64, historyCap int, events *Dispatcher, log *zap.Logger) *Sequencer {
	if historyCap <= 0 {
		historyCap = 1024
	}
	return &Sequencer{
		sessionID:  sessionID,
		events:     events,
		log:        log,
		version:    version,
		buf:        NewPieceTable(content),
		history:    make([]AcceptedOp, 0, historyCap),
		historyCap: historyCap,
		marks:      make(map[string]clientMark),
	}
}

// Submit serializes, rebases and accepts one client operation. The returned
// AcceptedOp carries the assigned version and the rebased steps.
func (s *Sequencer) Submit(ctx context.Context, req SubmitRequest) (AcceptedOp, error) {
	s.mu.Lock()
	accepted, err := s.submitLocked(req)
	s.mu.Unlock()
	if err != nil {
		return AcceptedOp{}, err
	}

	// Event publication happens outside the lock and never blocks acceptance.
	if s.events != nil {
		s.events.Enqueue(OpEvent{
			EventType:   eventOpApplied,
			SessionID:   s.sessionID,
			OperationID: accepted.OperationID,
			Version:     accepted.Version,
			AuthorID:    accepted.AuthorID,
			ClientID:    accepted.ClientID,
			ClientSeq:   accepted.ClientSeq,
			BaseVersion: req.BaseVersion,
			Steps:       accepted.Steps,
			AppliedAt:   accepted.AppliedAt,
		})
	}
	return accepted, nil
}

func (s *Sequencer) submitLocked(req SubmitRequest) (AcceptedOp, error) {
	if s.corrupt {
		return AcceptedOp{}, ErrSessionCorrupt
	}

	if mark, ok := s.marks[req.ClientID]; ok {
		if req.ClientSeq == mark.seq {
			// Idempotent resend: re-ack what was assigned the first time.
			return mark.accepted, nil
		}
		if req.ClientSeq < mark.seq {
			return AcceptedOp{}, fmt.Errorf("%w: clientSeq %d already surpassed by %d", ErrDuplicateOrOutOfOrder, req.ClientSeq, mark.seq)
		}
	}

	if req.BaseVersion > s.version {
		return AcceptedOp{}, fmt.Errorf("%w: claimed base %d, server at %d", ErrUnknownBaseVersion, req.BaseVersion, s.version)
	}

	steps := req.Steps.Normalize()

	if req.BaseVersion < s.version {
		catchUp, err := s.catchUpLocked(req.BaseVersion)
		if err != nil {
			return AcceptedOp{}, err
		}
		if err := steps.Validate(catchUp.BaseLen()); err != nil {
			return AcceptedOp{}, err
		}
		// One transform against the composed intervening history instead of
		// one per history entry.
		_, rebased, err := ot.Transform(catchUp, steps)
		if err != nil {
			return AcceptedOp{}, s.corruptLocked(fmt.Errorf("rebase against history: %w", err))
		}
		steps = rebased
	} else {
		if err := steps.Validate(s.buf.Len()); err != nil {
			return AcceptedOp{}, err
		}
	}

	// A rebased operation can collapse to nothing when everything it touched
	// was already deleted. It still gets a version so the client realigns.
	if len(steps) > 0 {
		if err := s.buf.Apply(steps); err != nil {
			// Validation passed but apply failed: the convergence invariant
			// is broken. Poison the session rather than guess.
			return AcceptedOp{}, s.corruptLocked(fmt.Errorf("apply accepted operation: %w", err))
		}
	}

	s.version++
	accepted := AcceptedOp{
		OperationID: uuid.NewString(),
		SessionID:   s.sessionID,
		Version:     s.version,
		AuthorID:    req.AuthorID,
		ClientID:    req.ClientID,
		ClientSeq:   req.ClientSeq,
		Steps:       steps,
		AppliedAt:   time.Now(),
	}

	if len(s.history) == s.historyCap {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, accepted)
	s.marks[req.ClientID] = clientMark{seq: req.ClientSeq, accepted: accepted}

	return accepted, nil
}

// catchUpLocked composes every accepted op after base into one operation.
func (s *Sequencer) catchUpLocked(base uint64) (ot.Operation, error) {
	if len(s.history) == 0 || s.history[0].Version > base+1 {
		return nil, fmt.Errorf("%w: base %d predates retained history", ErrUnknownBaseVersion, base)
	}
	start := int(base + 1 - s.history[0].Version)
	catchUp := s.history[start].Steps
	for _, entry := range s.history[start+1:] {
		composed, err := ot.Compose(catchUp, entry.Steps)
		if err != nil {
			return nil, s.corruptLocked(fmt.Errorf("compose history %d..%d: %w", base+1, s.version, err))
		}
		catchUp = composed
	}
	return catchUp, nil
}

func (s *Sequencer) corruptLocked(cause error) error {
	s.corrupt = true
	s.log.Error("sequencer invariant violated, poisoning session",
		zap.String("sessionId", s.sessionID),
		zap.Uint64("version", s.version),
		zap.Error(cause))
	return fmt.Errorf("%w: %v", ErrSessionCorrupt, cause)
}

// Version returns the current canonical document version.
func (s *Sequencer) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot returns the canonical text and its version.
func (s *Sequencer) Snapshot() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String(), s.version
}

// Corrupt reports whether the session was poisoned by an invariant violation.
func (s *Sequencer) Corrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corrupt
}

// OpsSince returns retained accepted ops with versions above fromVersion,
// capped at limit when limit > 0. Serves reconnect catch-up.
func (s *Sequencer) OpsSince(fromVersion uint64, limit int) []AcceptedOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AcceptedOp
	for _, op := range s.history {
		if op.Version > fromVersion {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}
