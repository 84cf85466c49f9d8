package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/chat"
	"collabcore/backend/internal/identity"
	"collabcore/backend/internal/session"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Some clients omit Origin entirely or send the literal "null".
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Config tunes the gateway's per-connection behavior.
type Config struct {
	// QueueSize bounds each connection's outbound queue; a connection that
	// falls this far behind is evicted.
	QueueSize int
	// HeartbeatTimeout closes a connection that sends nothing for this long.
	HeartbeatTimeout time.Duration
	// PresenceTTL is the lifetime of heartbeat and cursor state in Redis.
	PresenceTTL time.Duration
}

func (c *Config) fillDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 45 * time.Second
	}
}

// Gateway owns the websocket endpoint: it authenticates the handshake,
// attaches the participant to the session, and runs the connection loops.
type Gateway struct {
	hub      *Hub
	registry *session.Registry
	presence cache.PresenceCache
	tokens   identity.Provider
	log      *zap.Logger
	cfg      Config
}

func NewGateway(hub *Hub, reg *session.Registry, presence cache.PresenceCache, tokens identity.Provider, log *zap.Logger, cfg Config) *Gateway {
	cfg.fillDefaults()
	g := &Gateway{
		hub:      hub,
		registry: reg,
		presence: presence,
		tokens:   tokens,
		log:      log,
		cfg:      cfg,
	}
	// Purge presence state when the registry destroys a session, so a
	// teardown with no surviving connections (grace expiry after a crash,
	// forced close) does not strand the session's Redis keys.
	reg.OnTeardown(func(sessionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := presence.DropSession(ctx, sessionID); err != nil {
			log.Warn("presence purge failed", zap.String("sessionId", sessionID), zap.Error(err))
		}
	})
	return g
}

func wsError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"code": code, "message": message})
}

// HandleWS is the gin handler for GET /v1/sessions/:id/ws. The connect
// token arrives as a query parameter because browser websocket clients
// cannot set headers.
func (g *Gateway) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	id, err := g.tokens.Validate(token)
	if err != nil {
		wsError(c, http.StatusUnauthorized, CodeAuthRequired, "missing or invalid token")
		return
	}

	sessionID := c.Param("id")
	if sessionID == "" {
		sessionID = id.SessionID
	}
	// A connect token is pinned to the session it was minted for.
	if id.SessionID != "" && id.SessionID != sessionID {
		wsError(c, http.StatusForbidden, CodeAuthRequired, "token not valid for this session")
		return
	}

	sess, participant, err := g.registry.JoinByID(sessionID, id.ParticipantID, id.Name)
	if err != nil {
		wsError(c, http.StatusNotFound, CodeSessionNotFound, "session not found or closed")
		return
	}

	wsc, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed",
			zap.String("origin", c.Request.Header.Get("Origin")),
			zap.Error(err))
		g.leaveAfterFailedUpgrade(sessionID, id.ParticipantID)
		return
	}

	conn := newConn(wsc, g, sess, id.ParticipantID, id.Name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := g.presence.AddMember(ctx, sessionID, id.ParticipantID, id.Name, g.cfg.PresenceTTL); err != nil {
		g.log.Warn("presence register failed",
			zap.String("sessionId", sessionID),
			zap.String("userId", id.ParticipantID),
			zap.Error(err))
	}
	cancel()

	g.hub.Join(sessionID, conn)
	g.hub.Broadcast(sessionID, newEnvelope(TypeJoin, sessionID, id.ParticipantID, JoinBroadcast{
		Participant: *participant,
	}), conn)
	sys := sess.Chat.Append("", participant.Name+" joined", chat.KindSystem)
	g.hub.Broadcast(sessionID, newEnvelope(TypeChat, sessionID, "", sys), conn)
	g.log.Info("participant connected",
		zap.String("sessionId", sessionID),
		zap.String("userId", id.ParticipantID))

	// Write loop first so the snapshot reply to the initial join message has
	// a drain. readLoop blocks until the connection dies.
	go conn.writeLoop()
	conn.readLoop(c.Request.Context())
}

func (g *Gateway) leaveAfterFailedUpgrade(sessionID, participantID string) {
	if err := g.registry.Leave(sessionID, participantID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		g.log.Warn("registry leave failed", zap.String("sessionId", sessionID), zap.Error(err))
	}
}

// closeCorruptSession tears a session down after its sequencer poisoned
// itself. Every connection is evicted so clients reconnect into a fresh
// session rebuilt from the last saved snapshot.
func (g *Gateway) closeCorruptSession(sess *session.Session) {
	g.log.Error("session corrupt, closing", zap.String("sessionId", sess.ID))
	g.registry.ForceTeardown(sess.ID)
	g.hub.CloseSession(sess.ID, "session closed")
}
