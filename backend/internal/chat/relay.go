// Package chat is the per-session message relay: an append-only ordered log
// with a single sequence counter per session. Ordering is total within a
// session; delivery is at-least-once via Replay.
package chat

import (
	"sync"
	"time"
)

type Kind string

const (
	KindText   Kind = "text"
	KindSystem Kind = "system"
)

type Message struct {
	SessionID string    `json:"sessionId"`
	Seq       uint64    `json:"seq"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Log holds one session's messages. Its mutex is independent of the
// document sequencer's and the two are never held together.
type Log struct {
	sessionID string

	mu      sync.Mutex
	seq     uint64
	ring    []Message // oldest first
	ringCap int
}

func NewLog(sessionID string, ringCap int) *Log {
	if ringCap <= 0 {
		ringCap = 4096
	}
	return &Log{sessionID: sessionID, ring: make([]Message, 0, ringCap), ringCap: ringCap}
}

// Append assigns the next sequence number and stores the message.
func (l *Log) Append(authorID, body string, kind Kind) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	msg := Message{
		SessionID: l.sessionID,
		Seq:       l.seq,
		AuthorID:  authorID,
		Body:      body,
		Kind:      kind,
		Timestamp: time.Now(),
	}
	if len(l.ring) == l.ringCap {
		copy(l.ring, l.ring[1:])
		l.ring = l.ring[:len(l.ring)-1]
	}
	l.ring = append(l.ring, msg)
	return msg
}

// Replay returns retained messages with seq greater than fromSeq, in order.
// Messages older than the retained window are gone; callers asking from
// before the window get everything that remains.
func (l *Log) Replay(fromSeq uint64) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Message
	for _, m := range l.ring {
		if m.Seq > fromSeq {
			out = append(out, m)
		}
	}
	return out
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
