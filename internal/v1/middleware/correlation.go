// Package middleware contains Gin middleware for the signaling HTTP surface.
package middleware

import (
	"context"

	"github.com/meshconf/signaling/internal/v1/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID adds a correlation ID to the request and its context so logs
// from the upgrade path and the first events of a connection line up.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Set in header for response
		c.Header(HeaderXCorrelationID, correlationID)

		// Set in gin keys and the request context for the logger
		c.Set(string(logging.CorrelationIDKey), correlationID)
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
