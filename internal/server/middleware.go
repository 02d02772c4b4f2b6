package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-ledger/internal/common"
)

const (
	headerRequestID = "X-Request-ID"
	ctxKeyUserID    = "user_id"
)

// RequestID propagates or assigns a request id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// Logger returns a gin middleware for structured access logging
func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("API request",
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
			"request_id", common.RequestIDFromContext(c.Request.Context()),
		)
	}
}

// Recovery returns a gin middleware for panic recovery with logging
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", fmt.Sprint(err), "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{
					Code:    common.CodeInternal,
					Message: "Internal server error",
				})
			}
		}()
		c.Next()
	}
}

// Auth resolves the caller's user id and rejects anonymous requests.
func Auth(auth Authenticator, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.Authenticate(c.Request)
		if err != nil {
			logger.Debug("request not authenticated", "path", c.Request.URL.Path, "error", err)
			respondWithError(c, logger, err)
			c.Abort()
			return
		}
		c.Set(ctxKeyUserID, userID)
		c.Request = c.Request.WithContext(common.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	return c.GetInt64(ctxKeyUserID)
}
