package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"collabcore/backend/internal/identity"
)

// Auth validates the caller's credential in process and stores the resolved
// identity on the request context. Browser websocket clients cannot set
// headers, so a ?token= query parameter is accepted as a fallback.
func Auth(tokens identity.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTH_REQUIRED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		id, err := tokens.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTH_REQUIRED",
				"message": "invalid token",
			})
			return
		}

		c.Set("userId", id.ParticipantID)
		c.Set("username", id.Name)
		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
