// Package httpapi assembles the HTTP surface: REST session endpoints plus
// the websocket upgrade route.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"collabcore/backend/internal/httpapi/handlers"
	"collabcore/backend/internal/httpapi/middleware"
	"collabcore/backend/internal/identity"
	"collabcore/backend/internal/ws"
)

func NewRouter(sessions *handlers.Sessions, gateway *ws.Gateway, tokens identity.Provider) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// Accept any origin, including the literal "null" some local
		// clients send; credentials stay off so this remains safe.
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	v1 := r.Group("/v1")
	{
		authed := v1.Group("/sessions")
		authed.Use(middleware.Auth(tokens))
		authed.POST("", sessions.Create)
		authed.GET("", sessions.List)
		authed.GET("/:id", sessions.Get)
		authed.POST("/:id/leave", sessions.Leave)

		// The websocket route authenticates itself from the connect token;
		// the shared middleware would reject tokens scoped to one session.
		v1.GET("/sessions/:id/ws", gateway.HandleWS)
	}

	return r
}
