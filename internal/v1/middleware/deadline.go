package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/retroden/canvas64/backend/go/internal/v1/logging"

	"github.com/gin-gonic/gin"
)

// guardedWriter discards handler writes that lose the race against the
// deadline response, so a late handler cannot corrupt the 504 already sent.
type guardedWriter struct {
	gin.ResponseWriter
	mu       sync.Mutex
	timedOut bool
	wrote    bool
}

func (w *guardedWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return
	}
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *guardedWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return len(b), nil
	}
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *guardedWriter) WriteString(s string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return len(s), nil
	}
	w.wrote = true
	return w.ResponseWriter.WriteString(s)
}

// markTimedOut flips the guard. It reports false when the handler already
// started writing, in which case the timeout response must not be sent.
func (w *guardedWriter) markTimedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wrote {
		return false
	}
	w.timedOut = true
	return true
}

// Deadline bounds each REST request to a wall-clock budget. The handler
// chain runs with a deadlined context; on expiry the client gets 504
// {"error":"timeout"} immediately, and whatever the handler writes
// afterwards is discarded by the guard.
//
// After answering, Deadline waits for the handler to unwind before handing
// the request back to gin. Handlers observe the canceled context and return
// promptly; the wait keeps the chain single-threaded from gin's point of
// view.
func Deadline(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		gw := &guardedWriter{ResponseWriter: c.Writer}
		c.Writer = gw

		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			c.Next()
			close(done)
		}()

		select {
		case p := <-panicked:
			// Rethrow on the request goroutine so Recovery sees it.
			panic(p)

		case <-done:

		case <-ctx.Done():
			if gw.markTimedOut() {
				logging.Warn(ctx, "request deadline exceeded")
				header := gw.ResponseWriter.Header()
				header.Set("Content-Type", "application/json; charset=utf-8")
				gw.ResponseWriter.WriteHeader(http.StatusGatewayTimeout)
				_, _ = gw.ResponseWriter.Write([]byte(`{"error":"timeout"}`))
			}
			select {
			case <-done:
			case p := <-panicked:
				panic(p)
			}
		}
	}
}
