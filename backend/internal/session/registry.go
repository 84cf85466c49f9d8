// Package session owns session lifecycle: creation on first join, reuse
// across the grace window, teardown with a final flush to the document
// store. Nothing else creates or destroys sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabcore/backend/internal/chat"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/store"
)

// ErrSessionNotFound means no live session matches the requested id.
var ErrSessionNotFound = errors.New("SESSION_NOT_FOUND")

type Config struct {
	// GraceWindow keeps an empty session alive to absorb reconnects.
	GraceWindow time.Duration
	// SnapshotInterval bounds crash loss by flushing live sessions
	// periodically. Zero disables the loop.
	SnapshotInterval time.Duration
	HistoryCap       int
	ChatCap          int
}

// Registry maps session ids to live sessions. Its lock covers only map
// insert/lookup/remove; store I/O and edit processing happen outside it.
type Registry struct {
	store  store.DocumentStore
	events *collab.Dispatcher
	log    *zap.Logger
	cfg    Config

	// onTeardown runs after a session is destroyed; the gateway hangs
	// presence cleanup off it.
	onTeardown func(sessionID string)

	mu         sync.Mutex
	sessions   map[string]*Session
	byDocument map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
}

func NewRegistry(docs store.DocumentStore, events *collab.Dispatcher, log *zap.Logger, cfg Config) *Registry {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 5 * time.Minute
	}
	r := &Registry{
		store:      docs,
		events:     events,
		log:        log,
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		byDocument: make(map[string]*Session),
		stop:       make(chan struct{}),
	}
	if cfg.SnapshotInterval > 0 {
		go r.snapshotLoop(cfg.SnapshotInterval)
	}
	return r
}

// OnTeardown registers fn to run whenever a session is destroyed, whether
// by grace expiry or a forced close. Register before any session exists.
func (r *Registry) OnTeardown(fn func(sessionID string)) {
	r.onTeardown = fn
}

// Join attaches a participant to the live session for documentID, creating
// the session seeded from the document store on first use. A rejoin inside
// the grace window reuses the session and its accumulated history.
func (r *Registry) Join(ctx context.Context, documentID, participantID, name string) (*Session, *Participant, error) {
	for {
		r.mu.Lock()
		sess := r.byDocument[documentID]
		r.mu.Unlock()

		if sess == nil {
			created, err := r.createSession(ctx, documentID)
			if err != nil {
				return nil, nil, err
			}
			sess = created
		}

		p, ok := sess.addParticipant(participantID, name)
		if !ok {
			// Lost the race against teardown. Its final flush may still be
			// in flight; creating a replacement now would seed from stale
			// store state, so wait until the session is fully closed.
			<-sess.Closed()
			continue
		}
		return sess, p, nil
	}
}

// JoinByID attaches a participant to an already-created session. Unlike
// Join it never creates: connect tokens reference a session that must still
// be live.
func (r *Registry) JoinByID(sessionID, participantID, name string) (*Session, *Participant, error) {
	sess, err := r.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	p, ok := sess.addParticipant(participantID, name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s is closing", ErrSessionNotFound, sessionID)
	}
	return sess, p, nil
}

// Ensure creates (or returns) the live session for a document without
// attaching anyone. A freshly created empty session starts its grace timer
// immediately so it cannot leak if no participant ever connects.
func (r *Registry) Ensure(ctx context.Context, documentID string) (*Session, error) {
	for {
		r.mu.Lock()
		sess := r.byDocument[documentID]
		r.mu.Unlock()
		if sess == nil {
			created, err := r.createSession(ctx, documentID)
			if err != nil {
				return nil, err
			}
			sess = created
		}
		if sess.Status() != StatusActive {
			<-sess.Closed()
			continue
		}
		r.startGrace(sess)
		return sess, nil
	}
}

// createSession loads the document outside the registry lock, then inserts
// under it. A concurrent creator winning the race means our load is
// discarded and theirs is used.
func (r *Registry) createSession(ctx context.Context, documentID string) (*Session, error) {
	content, version, err := r.store.Load(ctx, documentID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.byDocument[documentID]; existing != nil {
		return existing, nil
	}

	id := uuid.NewString()
	sess := &Session{
		ID:           id,
		DocumentID:   documentID,
		CreatedAt:    time.Now(),
		Seq:          collab.NewSequencer(id, content, version, r.cfg.HistoryCap, r.events, r.log),
		Chat:         chat.NewLog(id, r.cfg.ChatCap),
		status:       StatusActive,
		participants: make(map[string]*Participant),
		closedCh:     make(chan struct{}),
	}
	r.sessions[id] = sess
	r.byDocument[documentID] = sess
	r.log.Info("session created",
		zap.String("sessionId", id),
		zap.String("documentId", documentID),
		zap.Uint64("version", version))
	return sess, nil
}

// Get returns a live session by id.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// SessionsFor lists the live sessions a participant is attached to.
func (r *Registry) SessionsFor(participantID string) []*Session {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	var out []*Session
	for _, s := range all {
		for _, p := range s.Participants() {
			if p.ID == participantID {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Leave detaches a participant. When the session becomes empty a grace
// timer starts; expiry flushes the final state and destroys the session.
func (r *Registry) Leave(sessionID, participantID string) error {
	sess, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	removed, empty := sess.removeParticipant(participantID)
	if !removed {
		return nil
	}
	if empty {
		r.startGrace(sess)
	}
	return nil
}

func (r *Registry) startGrace(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive || len(sess.participants) > 0 {
		return
	}
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
	}
	sess.graceTimer = time.AfterFunc(r.cfg.GraceWindow, func() {
		r.teardown(sess)
	})
	r.log.Info("session empty, grace timer started",
		zap.String("sessionId", sess.ID),
		zap.Duration("grace", r.cfg.GraceWindow))
}

// teardown flushes and destroys an empty session. A join that slipped in
// since the timer fired aborts it.
func (r *Registry) teardown(sess *Session) {
	sess.mu.Lock()
	if len(sess.participants) > 0 || sess.status == StatusClosed {
		sess.mu.Unlock()
		return
	}
	sess.status = StatusDraining
	sess.mu.Unlock()

	r.flush(sess)

	sess.mu.Lock()
	sess.status = StatusClosed
	sess.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, sess.ID)
	if r.byDocument[sess.DocumentID] == sess {
		delete(r.byDocument, sess.DocumentID)
	}
	r.mu.Unlock()

	if r.onTeardown != nil {
		r.onTeardown(sess.ID)
	}
	sess.markClosed()

	r.log.Info("session destroyed",
		zap.String("sessionId", sess.ID),
		zap.String("documentId", sess.DocumentID))
}

// ForceTeardown destroys a session regardless of participants. Used when
// the sequencer detects an invariant violation: better a forced resync for
// everyone than a divergent document.
func (r *Registry) ForceTeardown(sessionID string) {
	sess, err := r.Get(sessionID)
	if err != nil {
		return
	}
	sess.mu.Lock()
	sess.status = StatusDraining
	sess.participants = make(map[string]*Participant)
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	sess.mu.Unlock()

	r.flush(sess)

	sess.mu.Lock()
	sess.status = StatusClosed
	sess.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, sess.ID)
	if r.byDocument[sess.DocumentID] == sess {
		delete(r.byDocument, sess.DocumentID)
	}
	r.mu.Unlock()

	if r.onTeardown != nil {
		r.onTeardown(sess.ID)
	}
	sess.markClosed()

	r.log.Warn("session force-closed", zap.String("sessionId", sessionID))
}

func (r *Registry) flush(sess *Session) {
	content, version := sess.Seq.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.Save(ctx, sess.DocumentID, content, version); err != nil {
		r.log.Error("final flush failed",
			zap.String("sessionId", sess.ID),
			zap.String("documentId", sess.DocumentID),
			zap.Uint64("version", version),
			zap.Error(err))
	}
}

func (r *Registry) snapshotLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			live := make([]*Session, 0, len(r.sessions))
			for _, s := range r.sessions {
				live = append(live, s)
			}
			r.mu.Unlock()
			for _, s := range live {
				if s.Status() == StatusActive {
					r.flush(s)
				}
			}
		case <-r.stop:
			return
		}
	}
}

// Close stops background work and flushes every live session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()
	for _, s := range live {
		r.flush(s)
	}
}
