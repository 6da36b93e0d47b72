package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = shortuuid.New()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

// requireAdmin gates admin routes on X-Admin-Token. With a configured
// token the header must match. Without one, dev environments run open
// and everything else is locked.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken != "" {
			if c.GetHeader("X-Admin-Token") != s.cfg.AdminToken {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "admin token mismatch"})
				return
			}
		} else if !s.cfg.AdminOpen() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "admin token not configured"})
			return
		}
		c.Next()
	}
}

func detail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"detail": msg})
}
