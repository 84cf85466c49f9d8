// Package cache tracks presence: which participants are alive in a session
// and where their cursors are. All of it is soft state with TTLs; the
// session registry, not this cache, owns session lifecycle.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cursor is a caret position. Line and column are zero-based.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is an inclusive-start, exclusive-end range.
type Selection struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

// State is one participant's ephemeral editor state.
type State struct {
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type Member struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
}

type PresenceCache interface {
	AddMember(ctx context.Context, sessionID, participantID, name string, ttl time.Duration) error
	Heartbeat(ctx context.Context, sessionID, participantID string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, participantID string) error
	AliveMembers(ctx context.Context, sessionID string) ([]Member, error)
	SetState(ctx context.Context, sessionID, participantID string, state State, ttl time.Duration) error
	GetState(ctx context.Context, sessionID, participantID string) (State, bool, error)
	DropSession(ctx context.Context, sessionID string) error
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, sessionID, participantID, name string, ttl time.Duration) error {
	pipe := p.rdb.Pipeline()
	pipe.SAdd(ctx, sessionKey(sessionID), participantID)
	pipe.Set(ctx, memberKey(sessionID, participantID), "1", ttl)
	pipe.HSet(ctx, namesKey(sessionID), participantID, name)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) Heartbeat(ctx context.Context, sessionID, participantID string, ttl time.Duration) error {
	return p.rdb.Set(ctx, memberKey(sessionID, participantID), "1", ttl).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, participantID string) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, sessionKey(sessionID), participantID)
	pipe.Del(ctx, memberKey(sessionID, participantID))
	pipe.HDel(ctx, namesKey(sessionID), participantID)
	pipe.Del(ctx, stateKey(sessionID, participantID))
	_, err := pipe.Exec(ctx)
	return err
}

// AliveMembers returns the members whose heartbeat key still exists. Set
// membership alone is not liveness: the heartbeat TTL is.
func (p *redisPresence) AliveMembers(ctx context.Context, sessionID string) ([]Member, error) {
	ids, err := p.rdb.SMembers(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	existsCmds := make([]*redis.IntCmd, 0, len(ids))
	pipe := p.rdb.Pipeline()
	for _, id := range ids {
		existsCmds = append(existsCmds, pipe.Exists(ctx, memberKey(sessionID, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check heartbeats: %w", err)
	}

	alive := make([]string, 0, len(ids))
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			alive = append(alive, ids[i])
		}
	}
	if len(alive) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), alive...).Result()
	if err != nil {
		return nil, fmt.Errorf("member names: %w", err)
	}
	members := make([]Member, 0, len(alive))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, Member{ParticipantID: alive[i], Name: name})
	}
	return members, nil
}

func (p *redisPresence) SetState(ctx context.Context, sessionID, participantID string, state State, ttl time.Duration) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence state: %w", err)
	}
	return p.rdb.Set(ctx, stateKey(sessionID, participantID), b, ttl).Err()
}

func (p *redisPresence) GetState(ctx context.Context, sessionID, participantID string) (State, bool, error) {
	b, err := p.rdb.Get(ctx, stateKey(sessionID, participantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var state State
	if err := json.Unmarshal(b, &state); err != nil {
		return State{}, false, fmt.Errorf("unmarshal presence state: %w", err)
	}
	return state, true, nil
}

// DropSession removes every presence key for a torn-down session.
func (p *redisPresence) DropSession(ctx context.Context, sessionID string) error {
	ids, err := p.rdb.SMembers(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return err
	}
	pipe := p.rdb.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, memberKey(sessionID, id))
		pipe.Del(ctx, stateKey(sessionID, id))
	}
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.Del(ctx, namesKey(sessionID))
	_, err = pipe.Exec(ctx)
	return err
}
