package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/chat"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/session"
)

type memDocs struct {
	content string
	version uint64
}

func (m *memDocs) Load(ctx context.Context, documentID string) (string, uint64, error) {
	return m.content, m.version, nil
}

func (m *memDocs) Save(ctx context.Context, documentID, content string, version uint64) error {
	m.content, m.version = content, version
	return nil
}

type fixture struct {
	gw  *Gateway
	reg *session.Registry
}

func newFixture(t *testing.T, queueSize int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	reg := session.NewRegistry(&memDocs{content: "ab"}, nil, log, session.Config{
		GraceWindow: time.Minute,
	})
	t.Cleanup(reg.Close)

	hub := NewHub(log)
	gw := NewGateway(hub, reg, cache.NewRedisPresence(rdb), nil, log, Config{
		QueueSize: queueSize,
	})
	return &fixture{gw: gw, reg: reg}
}

// connect attaches a participant the way HandleWS does, minus the socket.
func (f *fixture) connect(t *testing.T, userID string) *Conn {
	t.Helper()
	sess, _, err := f.reg.Join(context.Background(), "doc-1", userID, "name-"+userID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := f.gw.presence.AddMember(context.Background(), sess.ID, userID, "name-"+userID, f.gw.cfg.PresenceTTL); err != nil {
		t.Fatalf("presence add: %v", err)
	}
	c := newConn(nil, f.gw, sess, userID, "name-"+userID)
	f.gw.hub.Join(sess.ID, c)
	return c
}

func recvEnvelope(t *testing.T, c *Conn) Envelope {
	t.Helper()
	select {
	case env := <-c.send:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return v
}

func editEnvelope(t *testing.T, base, seq uint64, steps ot.Operation) Envelope {
	t.Helper()
	b, err := json.Marshal(EditPayload{BaseVersion: base, ClientSeq: seq, Steps: steps})
	if err != nil {
		t.Fatal(err)
	}
	return Envelope{Type: TypeEdit, Payload: b}
}

func TestEdit_AcksAuthorAndBroadcastsOthers(t *testing.T) {
	f := newFixture(t, 16)
	author := f.connect(t, "alice")
	other := f.connect(t, "bob")

	author.dispatch(context.Background(), editEnvelope(t, 0, 1, ot.Operation{ot.Insert("X"), ot.Retain(2)}))

	ack := recvEnvelope(t, author)
	if ack.Type != TypeAck {
		t.Fatalf("author got %s, want %s", ack.Type, TypeAck)
	}
	if p := decode[AckPayload](t, ack); p.Version != 1 {
		t.Fatalf("ack version = %d, want 1", p.Version)
	}

	bcast := recvEnvelope(t, other)
	if bcast.Type != TypeEdit {
		t.Fatalf("other got %s, want %s", bcast.Type, TypeEdit)
	}
	p := decode[EditBroadcast](t, bcast)
	if p.Version != 1 || p.AuthorID != "alice" {
		t.Fatalf("broadcast = %+v", p)
	}

	// The author never hears its own edit back as a broadcast.
	select {
	case env := <-author.send:
		t.Fatalf("author got unexpected %s", env.Type)
	default:
	}
}

func TestEdit_FutureBaseGetsSnapshotForResync(t *testing.T) {
	f := newFixture(t, 16)
	author := f.connect(t, "alice")

	author.dispatch(context.Background(), editEnvelope(t, 7, 1, ot.Operation{ot.Retain(2)}))

	env := recvEnvelope(t, author)
	if env.Type != TypeError {
		t.Fatalf("got %s, want %s", env.Type, TypeError)
	}
	p := decode[ErrorPayload](t, env)
	if p.Code != CodeUnknownBaseVersion {
		t.Fatalf("code = %s, want %s", p.Code, CodeUnknownBaseVersion)
	}
	if p.Snapshot == nil || p.Snapshot.Content != "ab" || p.Snapshot.Version != 0 {
		t.Fatalf("snapshot = %+v", p.Snapshot)
	}
}

func TestEdit_MalformedRejectedWithoutStateChange(t *testing.T) {
	f := newFixture(t, 16)
	author := f.connect(t, "alice")

	author.dispatch(context.Background(), editEnvelope(t, 0, 1, ot.Operation{ot.Retain(99)}))

	env := recvEnvelope(t, author)
	if env.Type != TypeError {
		t.Fatalf("got %s, want %s", env.Type, TypeError)
	}
	if p := decode[ErrorPayload](t, env); p.Code != CodeMalformedOperation {
		t.Fatalf("code = %s, want %s", p.Code, CodeMalformedOperation)
	}
	if v := author.sess.Seq.Version(); v != 0 {
		t.Fatalf("version advanced to %d on rejected op", v)
	}
}

func TestChat_TotalOrderReachesEveryone(t *testing.T) {
	f := newFixture(t, 16)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	send := func(c *Conn, body string) {
		b, _ := json.Marshal(ChatPayload{Body: body})
		c.dispatch(context.Background(), Envelope{Type: TypeChat, Payload: b})
	}
	send(alice, "hello")
	send(bob, "hi")

	for _, c := range []*Conn{alice, bob} {
		first := decode[chat.Message](t, recvEnvelope(t, c))
		second := decode[chat.Message](t, recvEnvelope(t, c))
		if first.Seq != 1 || first.Body != "hello" {
			t.Fatalf("first = %+v", first)
		}
		if second.Seq != 2 || second.Body != "hi" {
			t.Fatalf("second = %+v", second)
		}
	}
}

func TestJoin_SnapshotThenChatReplay(t *testing.T) {
	f := newFixture(t, 16)
	alice := f.connect(t, "alice")
	alice.sess.Chat.Append("alice", "early", chat.KindText)

	bob := f.connect(t, "bob")
	b, _ := json.Marshal(JoinPayload{ChatFromSeq: 0})
	bob.dispatch(context.Background(), Envelope{Type: TypeJoin, Payload: b})

	snap := recvEnvelope(t, bob)
	if snap.Type != TypeSnapshot {
		t.Fatalf("first reply = %s, want %s", snap.Type, TypeSnapshot)
	}
	p := decode[SnapshotPayload](t, snap)
	if p.Content != "ab" || p.Version != 0 || p.ChatSeq != 1 || len(p.Participants) != 2 {
		t.Fatalf("snapshot = %+v", p)
	}
	if len(p.Online) != 2 {
		t.Fatalf("online = %+v, want both members' presence", p.Online)
	}

	replay := recvEnvelope(t, bob)
	if replay.Type != TypeChat {
		t.Fatalf("second reply = %s, want %s", replay.Type, TypeChat)
	}
	if m := decode[chat.Message](t, replay); m.Body != "early" || m.Seq != 1 {
		t.Fatalf("replayed = %+v", m)
	}
}

func TestHeartbeat_Acked(t *testing.T) {
	f := newFixture(t, 16)
	alice := f.connect(t, "alice")

	alice.dispatch(context.Background(), Envelope{Type: TypeHeartbeat})

	if env := recvEnvelope(t, alice); env.Type != TypeHeartbeatAck {
		t.Fatalf("got %s, want %s", env.Type, TypeHeartbeatAck)
	}
}

func TestCursor_BroadcastToOthersOnly(t *testing.T) {
	f := newFixture(t, 16)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	b, _ := json.Marshal(CursorPayload{Line: 3, Column: 7})
	alice.dispatch(context.Background(), Envelope{Type: TypeCursor, Payload: b})

	env := recvEnvelope(t, bob)
	if env.Type != TypeCursor || env.UserID != "alice" {
		t.Fatalf("bob got %s from %s", env.Type, env.UserID)
	}
	if p := decode[CursorPayload](t, env); p.Line != 3 || p.Column != 7 {
		t.Fatalf("cursor = %+v", p)
	}
	select {
	case env := <-alice.send:
		t.Fatalf("author got unexpected %s", env.Type)
	default:
	}
}

// A consumer whose outbound queue stays full is evicted rather than allowed
// to block fan-out, and the rest of the session hears a leave for it.
func TestBroadcast_SlowConsumerEvicted(t *testing.T) {
	f := newFixture(t, 2)
	fast := f.connect(t, "fast")
	slow := f.connect(t, "slow")

	// Drain the fast consumer continuously; never read from the slow one.
	leaves := make(chan LeavePayload, 1)
	go func() {
		for env := range fast.send {
			if env.Type == TypeLeave {
				var p LeavePayload
				_ = json.Unmarshal(env.Payload, &p)
				leaves <- p
				return
			}
		}
	}()

	for i := 0; i < 4; i++ {
		b, _ := json.Marshal(ChatPayload{Body: "fill"})
		fast.dispatch(context.Background(), Envelope{Type: TypeChat, Payload: b})
	}

	select {
	case p := <-leaves:
		if p.UserID != "slow" {
			t.Fatalf("leave for %s, want slow", p.UserID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no leave broadcast after eviction")
	}

	select {
	case <-slow.closed:
	default:
		t.Fatal("slow connection not closed")
	}
	if n := len(slow.sess.Participants()); n != 1 {
		t.Fatalf("participants = %d after eviction, want 1", n)
	}

	// The session keeps working for the survivor.
	fast.dispatch(context.Background(), editEnvelope(t, 0, 1, ot.Operation{ot.Insert("X"), ot.Retain(2)}))
	if v := fast.sess.Seq.Version(); v != 1 {
		t.Fatalf("version = %d after eviction, want 1", v)
	}
}

func TestLeaveMessage_DepartsOnce(t *testing.T) {
	f := newFixture(t, 16)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	alice.dispatch(context.Background(), Envelope{Type: TypeLeave})
	alice.dispatch(context.Background(), Envelope{Type: TypeLeave})

	env := recvEnvelope(t, bob)
	if env.Type != TypeLeave {
		t.Fatalf("got %s, want %s", env.Type, TypeLeave)
	}
	sys := decode[chat.Message](t, recvEnvelope(t, bob))
	if sys.Kind != chat.KindSystem || sys.Body != "name-alice left" {
		t.Fatalf("system message = %+v", sys)
	}
	select {
	case env := <-bob.send:
		t.Fatalf("duplicate departure broadcast %s", env.Type)
	default:
	}
	if n := len(bob.sess.Participants()); n != 1 {
		t.Fatalf("participants = %d, want 1", n)
	}
	if got := bob.sess.Chat.Seq(); got != 1 {
		t.Fatalf("chat seq = %d, want one system message", got)
	}
}

// A rejoin naming its last applied version gets the missing ops replayed as
// ordinary edit broadcasts instead of a full snapshot.
func TestJoin_IncrementalReplayFromVersion(t *testing.T) {
	f := newFixture(t, 16)
	alice := f.connect(t, "alice")
	alice.dispatch(context.Background(), editEnvelope(t, 0, 1, ot.Operation{ot.Insert("X"), ot.Retain(2)}))
	alice.dispatch(context.Background(), editEnvelope(t, 1, 2, ot.Operation{ot.Insert("Y"), ot.Retain(3)}))
	recvEnvelope(t, alice) // ack v1
	recvEnvelope(t, alice) // ack v2

	bob := f.connect(t, "bob")
	b, _ := json.Marshal(JoinPayload{SinceVersion: 1})
	bob.dispatch(context.Background(), Envelope{Type: TypeJoin, Payload: b})

	env := recvEnvelope(t, bob)
	if env.Type != TypeEdit {
		t.Fatalf("reply = %s, want %s", env.Type, TypeEdit)
	}
	p := decode[EditBroadcast](t, env)
	if p.Version != 2 || p.AuthorID != "alice" {
		t.Fatalf("replayed op = %+v", p)
	}
	select {
	case env := <-bob.send:
		t.Fatalf("unexpected extra reply %s", env.Type)
	default:
	}
}

// A gap the retained history cannot cover falls back to a full snapshot.
func TestJoin_ReplayGapFallsBackToSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log := zap.NewNop()
	reg := session.NewRegistry(&memDocs{content: "ab"}, nil, log, session.Config{
		GraceWindow: time.Minute,
		HistoryCap:  2,
	})
	t.Cleanup(reg.Close)
	hub := NewHub(log)
	gw := NewGateway(hub, reg, cache.NewRedisPresence(rdb), nil, log, Config{QueueSize: 16})

	sess, _, err := reg.Join(context.Background(), "doc-1", "alice", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	alice := newConn(nil, gw, sess, "alice", "Alice")
	hub.Join(sess.ID, alice)
	docLen := 2
	for seq := uint64(1); seq <= 4; seq++ {
		alice.dispatch(context.Background(), editEnvelope(t, seq-1, seq, ot.Operation{ot.Insert("x"), ot.Retain(docLen)}))
		recvEnvelope(t, alice)
		docLen++
	}

	b, _ := json.Marshal(JoinPayload{SinceVersion: 1})
	alice.dispatch(context.Background(), Envelope{Type: TypeJoin, Payload: b})
	env := recvEnvelope(t, alice)
	if env.Type != TypeSnapshot {
		t.Fatalf("reply = %s, want %s when history fell off the ring", env.Type, TypeSnapshot)
	}
	if p := decode[SnapshotPayload](t, env); p.Version != 4 {
		t.Fatalf("snapshot version = %d, want 4", p.Version)
	}
}

// Destroying a session purges its presence keys even when no connection is
// left to run per-participant cleanup.
func TestTeardown_PurgesPresence(t *testing.T) {
	f := newFixture(t, 16)
	alice := f.connect(t, "alice")

	members, err := f.gw.presence.AliveMembers(context.Background(), alice.sess.ID)
	if err != nil || len(members) != 1 {
		t.Fatalf("AliveMembers = %v, %v", members, err)
	}

	f.reg.ForceTeardown(alice.sess.ID)

	members, err = f.gw.presence.AliveMembers(context.Background(), alice.sess.ID)
	if err != nil {
		t.Fatalf("AliveMembers after teardown: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("presence not purged on teardown: %v", members)
	}
}
