package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"collabcore/backend/internal/identity"
	"collabcore/backend/internal/session"
	"collabcore/backend/internal/store"
)

// Sessions exposes the REST session surface. The edit path itself is
// websocket-only; these endpoints create, inspect and leave sessions.
type Sessions struct {
	registry *session.Registry
	minter   identity.ConnectMinter
	log      *zap.Logger
}

func NewSessions(reg *session.Registry, minter identity.ConnectMinter, log *zap.Logger) *Sessions {
	return &Sessions{registry: reg, minter: minter, log: log}
}

type createSessionRequest struct {
	DocumentID string `json:"documentId" binding:"required"`
}

type sessionMetadata struct {
	SessionID    string                `json:"sessionId"`
	DocumentID   string                `json:"documentId"`
	Version      uint64                `json:"version"`
	Status       string                `json:"status"`
	CreatedAt    time.Time             `json:"createdAt"`
	Participants []session.Participant `json:"participants"`
}

func metadata(s *session.Session) sessionMetadata {
	return sessionMetadata{
		SessionID:    s.ID,
		DocumentID:   s.DocumentID,
		Version:      s.Seq.Version(),
		Status:       string(s.Status()),
		CreatedAt:    s.CreatedAt,
		Participants: s.Participants(),
	}
}

// Create resolves the live session for a document, creating it if needed,
// and mints the short-lived credential the websocket handshake consumes.
func (h *Sessions) Create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MALFORMED_OPERATION", "message": "documentId is required"})
		return
	}

	sess, err := h.registry.Ensure(c.Request.Context(), req.DocumentID)
	if err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "SESSION_NOT_FOUND", "message": "unknown document"})
			return
		}
		h.log.Error("create session failed", zap.String("documentId", req.DocumentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "create session failed"})
		return
	}

	userID := c.GetString("userId")
	token, err := h.minter.MintConnectToken(userID, c.GetString("username"), sess.ID)
	if err != nil {
		h.log.Error("mint connect token failed", zap.String("sessionId", sess.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "mint connect token failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":    sess.ID,
		"documentId":   sess.DocumentID,
		"version":      sess.Seq.Version(),
		"connectUrl":   fmt.Sprintf("/v1/sessions/%s/ws", sess.ID),
		"connectToken": token,
	})
}

func (h *Sessions) Get(c *gin.Context) {
	sess, err := h.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "SESSION_NOT_FOUND", "message": "session not found"})
		return
	}
	c.JSON(http.StatusOK, metadata(sess))
}

// List returns the live sessions the caller participates in.
func (h *Sessions) List(c *gin.Context) {
	sessions := h.registry.SessionsFor(c.GetString("userId"))
	out := make([]sessionMetadata, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, metadata(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// Leave detaches the caller without a websocket round trip, for clients
// that want an explicit exit (tab close beacons, tooling).
func (h *Sessions) Leave(c *gin.Context) {
	if err := h.registry.Leave(c.Param("id"), c.GetString("userId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "SESSION_NOT_FOUND", "message": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}
