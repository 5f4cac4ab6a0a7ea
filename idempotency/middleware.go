package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	logger "github.com/sirupsen/logrus"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

// recorder keeps a copy of what the handler chain writes.
type recorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.buf.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// Middleware guards the rest of the handler chain with g. Requests without
// an Idempotency-Key header pass through untouched.
func Middleware(g *Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		route := c.Request.Method + " " + c.FullPath()

		resp, replayed, err := g.Do(c.Request.Context(), key, route, HashRequest(body), func(context.Context) (Response, error) {
			w := &recorder{ResponseWriter: c.Writer}
			c.Writer = w
			c.Next()
			c.Writer = w.ResponseWriter
			return Response{Status: w.Status(), Body: w.buf.Bytes()}, nil
		})

		switch {
		case errors.Is(err, ErrInFlight):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, ErrKeyMismatch):
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case err != nil:
			logger.WithField("key", key).WithError(err).Error("idempotency guard failed")
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		case replayed:
			c.Header(HeaderReplayed, "true")
			c.Data(resp.Status, gin.MIMEJSON+"; charset=utf-8", resp.Body)
			c.Abort()
		}
	}
}
