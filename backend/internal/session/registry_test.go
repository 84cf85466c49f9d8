package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
)

// memStore is an in-memory document store counting loads and saves.
type memStore struct {
	mu    sync.Mutex
	docs  map[string]string
	vers  map[string]uint64
	loads int
	saves int
}

func newMemStore() *memStore {
	return &memStore{docs: map[string]string{}, vers: map[string]uint64{}}
}

func (m *memStore) Load(ctx context.Context, documentID string) (string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.docs[documentID]
	if !ok {
		return "", 0, fmt.Errorf("%w: document %s", store.ErrDocumentNotFound, documentID)
	}
	m.loads++
	return content, m.vers[documentID], nil
}

func (m *memStore) Save(ctx context.Context, documentID, content string, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.docs[documentID] = content
	m.vers[documentID] = version
	return nil
}

func newTestRegistry(docs *memStore, grace time.Duration) *Registry {
	return NewRegistry(docs, nil, zap.NewNop(), Config{GraceWindow: grace})
}

func TestRegistry_JoinCreatesAndSeedsOnce(t *testing.T) {
	docs := newMemStore()
	docs.docs["doc-1"] = "seed content"
	docs.vers["doc-1"] = 7
	r := newTestRegistry(docs, time.Minute)
	defer r.Close()

	sess, p, err := r.Join(context.Background(), "doc-1", "u1", "Ada")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if p.Color == "" {
		t.Fatal("participant got no color")
	}
	content, version := sess.Seq.Snapshot()
	if content != "seed content" || version != 7 {
		t.Fatalf("seeded (%q, %d), want (%q, 7)", content, version, "seed content")
	}

	// A second participant attaches to the same session; no second load.
	sess2, _, err := r.Join(context.Background(), "doc-1", "u2", "Grace")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if sess2 != sess {
		t.Fatal("second join created a new session")
	}
	if docs.loads != 1 {
		t.Fatalf("store loaded %d times, want 1", docs.loads)
	}
}

func TestRegistry_JoinUnknownDocument(t *testing.T) {
	r := newTestRegistry(newMemStore(), time.Minute)
	defer r.Close()
	_, _, err := r.Join(context.Background(), "nope", "u1", "Ada")
	if !errors.Is(err, store.ErrDocumentNotFound) {
		t.Fatalf("Join() error = %v, want ErrDocumentNotFound", err)
	}
}

func TestRegistry_ColorsDistinct(t *testing.T) {
	docs := newMemStore()
	docs.docs["doc-1"] = ""
	r := newTestRegistry(docs, time.Minute)
	defer r.Close()

	seen := map[string]bool{}
	for i := 0; i < len(palette); i++ {
		_, p, err := r.Join(context.Background(), "doc-1", fmt.Sprintf("u%d", i), "x")
		if err != nil {
			t.Fatalf("Join() error = %v", err)
		}
		if seen[p.Color] {
			t.Fatalf("color %s assigned twice before palette exhaustion", p.Color)
		}
		seen[p.Color] = true
	}
}

// Scenario: rejoin within the grace window reuses history and version.
func TestRegistry_GraceWindowReuse(t *testing.T) {
	docs := newMemStore()
	docs.docs["doc-1"] = "ab"
	r := newTestRegistry(docs, time.Minute)
	defer r.Close()

	sess, _, err := r.Join(context.Background(), "doc-1", "u1", "Ada")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if _, err := sess.Seq.Submit(context.Background(), submitInsert("u1", 1)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := r.Leave(sess.ID, "u1"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}

	again, _, err := r.Join(context.Background(), "doc-1", "u1", "Ada")
	if err != nil {
		t.Fatalf("rejoin error = %v", err)
	}
	if again != sess {
		t.Fatal("rejoin within grace window did not reuse the session")
	}
	if got := again.Seq.Version(); got != 1 {
		t.Fatalf("reused session Version() = %d, want 1", got)
	}
	if docs.loads != 1 {
		t.Fatalf("store loaded %d times, want 1 (no re-seed)", docs.loads)
	}
}

func TestRegistry_GraceExpiryFlushesAndDestroys(t *testing.T) {
	docs := newMemStore()
	docs.docs["doc-1"] = "ab"
	r := newTestRegistry(docs, 20*time.Millisecond)
	defer r.Close()

	sess, _, err := r.Join(context.Background(), "doc-1", "u1", "Ada")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if _, err := sess.Seq.Submit(context.Background(), submitInsert("u1", 1)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := r.Leave(sess.ID, "u1"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := r.Get(sess.ID); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session not destroyed after grace expiry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	docs.mu.Lock()
	content, version, saves := docs.docs["doc-1"], docs.vers["doc-1"], docs.saves
	docs.mu.Unlock()
	if saves == 0 {
		t.Fatal("teardown did not flush to the store")
	}
	if content != "!ab" || version != 1 {
		t.Fatalf("flushed (%q, %d), want (%q, 1)", content, version, "!ab")
	}

	// A join after expiry seeds a fresh session from the store.
	fresh, _, err := r.Join(context.Background(), "doc-1", "u1", "Ada")
	if err != nil {
		t.Fatalf("post-expiry join error = %v", err)
	}
	if fresh == sess {
		t.Fatal("closed session was reused")
	}
	if docs.loads != 2 {
		t.Fatalf("store loaded %d times, want 2", docs.loads)
	}
}

func TestRegistry_ForceTeardown(t *testing.T) {
	docs := newMemStore()
	docs.docs["doc-1"] = "ab"
	r := newTestRegistry(docs, time.Minute)
	defer r.Close()

	sess, _, err := r.Join(context.Background(), "doc-1", "u1", "Ada")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	r.ForceTeardown(sess.ID)

	if _, err := r.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get() error = %v, want ErrSessionNotFound", err)
	}
	if docs.saves == 0 {
		t.Fatal("force teardown did not flush")
	}
}

func TestRegistry_SessionsFor(t *testing.T) {
	docs := newMemStore()
	docs.docs["doc-1"] = ""
	docs.docs["doc-2"] = ""
	r := newTestRegistry(docs, time.Minute)
	defer r.Close()

	s1, _, _ := r.Join(context.Background(), "doc-1", "u1", "Ada")
	_, _, _ = r.Join(context.Background(), "doc-2", "u2", "Grace")

	mine := r.SessionsFor("u1")
	if len(mine) != 1 || mine[0] != s1 {
		t.Fatalf("SessionsFor(u1) = %v", mine)
	}
}

func submitInsert(author string, seq uint64) collab.SubmitRequest {
	return collab.SubmitRequest{
		AuthorID:    author,
		ClientID:    author + "-c",
		ClientSeq:   seq,
		BaseVersion: 0,
		Steps:       ot.Operation{ot.Insert("!"), ot.Retain(2)},
	}
}

// blockingStore holds every Save until released, signalling the first one.
type blockingStore struct {
	*memStore
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func (b *blockingStore) Save(ctx context.Context, documentID, content string, version uint64) error {
	b.startOnce.Do(func() { close(b.started) })
	<-b.release
	return b.memStore.Save(ctx, documentID, content, version)
}

// A join racing a grace-expiry teardown must not reload the document while
// the teardown's final flush is still in flight: the replacement session
// would seed from pre-flush content and the flushed edits would be lost.
func TestRegistry_JoinDuringTeardownWaitsForFlush(t *testing.T) {
	docs := newMemStore()
	docs.docs["doc-1"] = "ab"
	blocked := &blockingStore{
		memStore: docs,
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	r := NewRegistry(blocked, nil, zap.NewNop(), Config{GraceWindow: 20 * time.Millisecond})
	defer r.Close()

	sess, _, err := r.Join(context.Background(), "doc-1", "u1", "Ada")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if _, err := sess.Seq.Submit(context.Background(), submitInsert("u1", 1)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := r.Leave(sess.ID, "u1"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	<-blocked.started

	joined := make(chan *Session, 1)
	go func() {
		again, _, err := r.Join(context.Background(), "doc-1", "u2", "Bob")
		if err != nil {
			joined <- nil
			return
		}
		joined <- again
	}()

	select {
	case <-joined:
		t.Fatal("join completed while the final flush was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(blocked.release)

	select {
	case again := <-joined:
		if again == nil {
			t.Fatal("rejoin failed after teardown completed")
		}
		content, version := again.Seq.Snapshot()
		if content != "!ab" || version != 1 {
			t.Fatalf("rejoined session = (%q, %d), want flushed (%q, 1)", content, version, "!ab")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("join never completed after the flush finished")
	}
}

func TestRegistry_TeardownHookRuns(t *testing.T) {
	docs := newMemStore()
	docs.docs["doc-1"] = "ab"
	r := newTestRegistry(docs, 20*time.Millisecond)
	defer r.Close()

	torn := make(chan string, 2)
	r.OnTeardown(func(sessionID string) { torn <- sessionID })

	sess, _, err := r.Join(context.Background(), "doc-1", "u1", "Ada")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := r.Leave(sess.ID, "u1"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	select {
	case id := <-torn:
		if id != sess.ID {
			t.Fatalf("hook got %s, want %s", id, sess.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("teardown hook not called after grace expiry")
	}

	forced, _, err := r.Join(context.Background(), "doc-1", "u1", "Ada")
	if err != nil {
		t.Fatalf("rejoin error = %v", err)
	}
	r.ForceTeardown(forced.ID)
	select {
	case id := <-torn:
		if id != forced.ID {
			t.Fatalf("hook got %s, want %s", id, forced.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("teardown hook not called on forced close")
	}
}
