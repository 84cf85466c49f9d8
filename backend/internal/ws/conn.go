package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/chat"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/session"
)

// Conn is one participant connection: a read loop dispatching inbound
// frames and a write loop draining the bounded outbound queue. ws is nil in
// tests that exercise queueing and departure without a socket.
type Conn struct {
	ws   *websocket.Conn
	gw   *Gateway
	sess *session.Session

	userID string
	name   string

	send   chan Envelope
	closed chan struct{}

	closeOnce  sync.Once
	departOnce sync.Once
}

func newConn(wsc *websocket.Conn, gw *Gateway, sess *session.Session, userID, name string) *Conn {
	return &Conn{
		ws:     wsc,
		gw:     gw,
		sess:   sess,
		userID: userID,
		name:   name,
		send:   make(chan Envelope, gw.cfg.QueueSize),
		closed: make(chan struct{}),
	}
}

// enqueue queues an outbound envelope without blocking. False means the
// connection is closed or its queue is full; callers evict on a full queue.
func (c *Conn) enqueue(env Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

// evict closes the connection and runs departure. Safe to call from any
// goroutine, any number of times.
func (c *Conn) evict(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
	c.depart(reason)
}

// depart runs the single departure path: leave the hub, announce to the
// others, release presence and registry state. Every way a connection can
// end funnels here exactly once.
func (c *Conn) depart(reason string) {
	c.departOnce.Do(func() {
		c.gw.hub.Leave(c.sess.ID, c)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.gw.presence.RemoveMember(ctx, c.sess.ID, c.userID); err != nil {
			c.gw.log.Warn("presence cleanup failed",
				zap.String("sessionId", c.sess.ID),
				zap.String("userId", c.userID),
				zap.Error(err))
		}
		if err := c.gw.registry.Leave(c.sess.ID, c.userID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			c.gw.log.Warn("registry leave failed",
				zap.String("sessionId", c.sess.ID),
				zap.String("userId", c.userID),
				zap.Error(err))
		}

		// Announce last so anyone reacting to the leave sees the session
		// already updated.
		c.gw.hub.Broadcast(c.sess.ID, newEnvelope(TypeLeave, c.sess.ID, c.userID, LeavePayload{
			UserID: c.userID,
			Reason: reason,
		}), nil)
		sys := c.sess.Chat.Append("", c.name+" left", chat.KindSystem)
		c.gw.hub.Broadcast(c.sess.ID, newEnvelope(TypeChat, c.sess.ID, "", sys), nil)
		c.gw.log.Info("participant departed",
			zap.String("sessionId", c.sess.ID),
			zap.String("userId", c.userID),
			zap.String("reason", reason))
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.send:
			if err := c.ws.WriteJSON(env); err != nil {
				c.evict("write failed")
				return
			}
		}
	}
}

// reply sends directly to this connection's own queue.
func (c *Conn) reply(msgType string, payload any) {
	if !c.enqueue(newEnvelope(msgType, c.sess.ID, "", payload)) {
		c.evict("slow consumer")
	}
}

func (c *Conn) replyError(code, message string, details any) {
	c.reply(TypeError, ErrorPayload{Code: code, Message: message, Details: details})
}

// readLoop consumes inbound frames until the connection dies. The read
// deadline doubles as the heartbeat timeout: a silent participant is
// treated as departed.
func (c *Conn) readLoop(ctx context.Context) {
	defer c.evict("connection closed")
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.gw.cfg.HeartbeatTimeout))
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		c.dispatch(ctx, env)
	}
}

func (c *Conn) dispatch(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypeJoin:
		c.handleJoin(ctx, env)
	case TypeEdit:
		c.handleEdit(ctx, env)
	case TypeCursor:
		c.handleCursor(ctx, env)
	case TypeSelection:
		c.handleSelection(ctx, env)
	case TypeChat:
		c.handleChat(env)
	case TypeHeartbeat:
		c.handleHeartbeat(ctx)
	case TypeLeave:
		c.evict("leave")
	default:
		c.replyError(CodeMalformedOperation, "unknown message type "+env.Type, nil)
	}
}

func (c *Conn) snapshotPayload(ctx context.Context) SnapshotPayload {
	online, err := c.gw.presence.AliveMembers(ctx, c.sess.ID)
	if err != nil {
		c.gw.log.Warn("presence list failed", zap.String("sessionId", c.sess.ID), zap.Error(err))
		online = nil
	}
	content, version := c.sess.Seq.Snapshot()
	return SnapshotPayload{
		Version:      version,
		Content:      content,
		Participants: c.sess.Participants(),
		Online:       online,
		ChatSeq:      c.sess.Chat.Seq(),
	}
}

func (c *Conn) handleJoin(ctx context.Context, env Envelope) {
	var p JoinPayload
	if env.Payload != nil {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.replyError(CodeMalformedOperation, "bad join payload", err.Error())
			return
		}
	}
	c.sess.Touch(c.userID)
	if !c.replayOps(p.SinceVersion) {
		c.reply(TypeSnapshot, c.snapshotPayload(ctx))
	}
	for _, msg := range c.sess.Chat.Replay(p.ChatFromSeq) {
		c.reply(TypeChat, msg)
	}
}

// replayOps resends retained ops above since as ordinary edit broadcasts.
// False means the retained history no longer covers the gap (or since is 0)
// and the caller must send a full snapshot instead.
func (c *Conn) replayOps(since uint64) bool {
	if since == 0 {
		return false
	}
	head := c.sess.Seq.Version()
	if since > head {
		return false
	}
	ops := c.sess.Seq.OpsSince(since, 0)
	if uint64(len(ops)) != head-since {
		return false
	}
	for _, op := range ops {
		c.reply(TypeEdit, EditBroadcast{Version: op.Version, Steps: op.Steps, AuthorID: op.AuthorID})
	}
	return true
}

func (c *Conn) handleEdit(ctx context.Context, env Envelope) {
	var p EditPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.replyError(CodeMalformedOperation, "bad edit payload", err.Error())
		return
	}
	clientID := p.ClientID
	if clientID == "" {
		clientID = c.userID
	}
	accepted, err := c.sess.Seq.Submit(ctx, collab.SubmitRequest{
		AuthorID:    c.userID,
		ClientID:    clientID,
		ClientSeq:   p.ClientSeq,
		BaseVersion: p.BaseVersion,
		Steps:       p.Steps,
	})
	switch {
	case err == nil:
	case errors.Is(err, ot.ErrMalformedOperation):
		c.replyError(CodeMalformedOperation, err.Error(), nil)
		return
	case errors.Is(err, collab.ErrUnknownBaseVersion):
		// The only resynchronization path: name the failure and hand the
		// author a full snapshot.
		snap := c.snapshotPayload(ctx)
		c.reply(TypeError, ErrorPayload{
			Code:     CodeUnknownBaseVersion,
			Message:  err.Error(),
			Version:  snap.Version,
			Snapshot: &snap,
		})
		return
	case errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
		c.replyError(CodeDuplicateOp, err.Error(), nil)
		return
	case errors.Is(err, collab.ErrSessionCorrupt):
		c.gw.closeCorruptSession(c.sess)
		return
	default:
		c.replyError(CodeInternal, "edit failed", nil)
		return
	}

	c.sess.Touch(c.userID)
	c.reply(TypeAck, AckPayload{Version: accepted.Version, Steps: accepted.Steps})
	c.gw.hub.Broadcast(c.sess.ID, newEnvelope(TypeEdit, c.sess.ID, c.userID, EditBroadcast{
		Version:  accepted.Version,
		Steps:    accepted.Steps,
		AuthorID: c.userID,
	}), c)
}

// Cursor and selection updates are soft state: stored with a TTL and fanned
// out to the others only, never echoed or acknowledged.
func (c *Conn) handleCursor(ctx context.Context, env Envelope) {
	var p CursorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.replyError(CodeMalformedOperation, "bad cursor payload", err.Error())
		return
	}
	c.updatePresence(ctx, func(s *cache.State) { s.Cursor = &p })
	c.gw.hub.Broadcast(c.sess.ID, newEnvelope(TypeCursor, c.sess.ID, c.userID, p), c)
}

func (c *Conn) handleSelection(ctx context.Context, env Envelope) {
	var p SelectionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.replyError(CodeMalformedOperation, "bad selection payload", err.Error())
		return
	}
	c.updatePresence(ctx, func(s *cache.State) { s.Selection = &p })
	c.gw.hub.Broadcast(c.sess.ID, newEnvelope(TypeSelection, c.sess.ID, c.userID, p), c)
}

func (c *Conn) updatePresence(ctx context.Context, mutate func(*cache.State)) {
	state, _, err := c.gw.presence.GetState(ctx, c.sess.ID, c.userID)
	if err != nil {
		c.gw.log.Warn("presence read failed", zap.String("userId", c.userID), zap.Error(err))
		state = cache.State{}
	}
	mutate(&state)
	state.UpdatedAt = time.Now()
	if err := c.gw.presence.SetState(ctx, c.sess.ID, c.userID, state, c.gw.cfg.PresenceTTL); err != nil {
		c.gw.log.Warn("presence write failed", zap.String("userId", c.userID), zap.Error(err))
	}
	c.sess.Touch(c.userID)
}

func (c *Conn) handleChat(env Envelope) {
	var p ChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Body == "" {
		c.replyError(CodeMalformedOperation, "bad chat payload", nil)
		return
	}
	msg := c.sess.Chat.Append(c.userID, p.Body, chat.KindText)
	c.sess.Touch(c.userID)
	// Chat goes to everyone, author included, so every replica renders the
	// same order.
	c.gw.hub.Broadcast(c.sess.ID, newEnvelope(TypeChat, c.sess.ID, c.userID, msg), nil)
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	c.sess.Touch(c.userID)
	if err := c.gw.presence.Heartbeat(ctx, c.sess.ID, c.userID, c.gw.cfg.PresenceTTL); err != nil {
		c.gw.log.Warn("heartbeat refresh failed", zap.String("userId", c.userID), zap.Error(err))
	}
	c.reply(TypeHeartbeatAck, nil)
}
