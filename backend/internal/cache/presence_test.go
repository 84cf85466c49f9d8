package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestPresence(t *testing.T) (PresenceCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisPresence(rdb), mr
}

func TestPresence_AddAndList(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, "s1", "u1", "Ada", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := p.AddMember(ctx, "s1", "u2", "Grace", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	members, err := p.AliveMembers(ctx, "s1")
	if err != nil {
		t.Fatalf("AliveMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("AliveMembers() returned %d members, want 2", len(members))
	}
	names := map[string]string{}
	for _, m := range members {
		names[m.ParticipantID] = m.Name
	}
	if names["u1"] != "Ada" || names["u2"] != "Grace" {
		t.Fatalf("names = %v", names)
	}
}

func TestPresence_ExpiredHeartbeatIsNotAlive(t *testing.T) {
	p, mr := newTestPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, "s1", "u1", "Ada", time.Second); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	mr.FastForward(2 * time.Second)

	members, err := p.AliveMembers(ctx, "s1")
	if err != nil {
		t.Fatalf("AliveMembers() error = %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("AliveMembers() = %v, want none after TTL expiry", members)
	}
}

func TestPresence_HeartbeatRefreshes(t *testing.T) {
	p, mr := newTestPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, "s1", "u1", "Ada", 2*time.Second); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	mr.FastForward(time.Second)
	if err := p.Heartbeat(ctx, "s1", "u1", 2*time.Second); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	mr.FastForward(time.Second)

	members, err := p.AliveMembers(ctx, "s1")
	if err != nil {
		t.Fatalf("AliveMembers() error = %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("AliveMembers() returned %d members, want 1 after refresh", len(members))
	}
}

func TestPresence_StateRoundTrip(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	in := State{
		Cursor:    &Cursor{Line: 3, Column: 14},
		Selection: &Selection{StartLine: 3, StartColumn: 10, EndLine: 4, EndColumn: 2},
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.SetState(ctx, "s1", "u1", in, time.Minute); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	out, ok, err := p.GetState(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !ok {
		t.Fatal("GetState() ok = false, want true")
	}
	if out.Cursor == nil || *out.Cursor != *in.Cursor {
		t.Fatalf("cursor = %+v, want %+v", out.Cursor, in.Cursor)
	}
	if out.Selection == nil || *out.Selection != *in.Selection {
		t.Fatalf("selection = %+v, want %+v", out.Selection, in.Selection)
	}
}

func TestPresence_GetStateMissing(t *testing.T) {
	p, _ := newTestPresence(t)
	_, ok, err := p.GetState(context.Background(), "s1", "ghost")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if ok {
		t.Fatal("GetState() ok = true for missing state")
	}
}

func TestPresence_RemoveAndDrop(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	_ = p.AddMember(ctx, "s1", "u1", "Ada", time.Minute)
	_ = p.AddMember(ctx, "s1", "u2", "Grace", time.Minute)

	if err := p.RemoveMember(ctx, "s1", "u1"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	members, _ := p.AliveMembers(ctx, "s1")
	if len(members) != 1 || members[0].ParticipantID != "u2" {
		t.Fatalf("after remove: %v", members)
	}

	if err := p.DropSession(ctx, "s1"); err != nil {
		t.Fatalf("DropSession() error = %v", err)
	}
	members, _ = p.AliveMembers(ctx, "s1")
	if len(members) != 0 {
		t.Fatalf("after drop: %v", members)
	}
}
