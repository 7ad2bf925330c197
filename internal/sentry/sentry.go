package sentry

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
)

// ignoredErrors contains error messages that should be logged but not sent to Sentry.
// These are typically caused by bots/scanners or normal peer disconnects and create noise.
var ignoredErrors = []string{
	"first record does not look like a TLS handshake", // Plain TCP connections to the TLS relay port (bots/scanners)
	"tls: unsupported SSLv2 handshake received",       // Ancient/invalid handshake (usually scanners)
	"connection reset by peer",                        // Core or client disconnected abruptly
	"EOF",                                             // Peer closed connection without graceful shutdown
	"broken pipe",                                     // Write to closed connection (peer already gone)
	"use of closed network connection",                // Operation on already closed connection
	"session shutdown",                                // yamux session torn down mid-operation
	"keepalive timeout",                               // yamux keepalive declared the peer dead
}

// Init configures the Sentry client from SENTRY_DSN. A missing DSN disables
// reporting; capture helpers below degrade to plain logging.
func Init(release string) error {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		log.Println("SENTRY_DSN not set, error reporting disabled")
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Release:     release,
		Environment: os.Getenv("SENTRY_ENVIRONMENT"),
	})
}

// Flush drains buffered events on shutdown.
func Flush() {
	sentry.Flush(2 * time.Second)
}

// GinMiddleware returns the Sentry handler for the HTTP API. Repanic keeps
// gin's own recovery in charge of the response.
func GinMiddleware() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{Repanic: true})
}

// shouldIgnore checks if an error should be filtered out from Sentry.
func shouldIgnore(err error) bool {
	if err == nil {
		return true
	}

	// Treat socket timeouts as noise: scanners often connect and never speak.
	type timeoutError interface{ Timeout() bool }
	if te, ok := err.(timeoutError); ok && te.Timeout() {
		return true
	}

	errStr := err.Error()
	for _, ignored := range ignoredErrors {
		if strings.Contains(errStr, ignored) {
			return true
		}
	}
	return false
}

// CaptureError logs an error locally and reports it to Sentry.
// Use this for errors outside of HTTP request context (startup, relay loop,
// provisioning).
func CaptureError(err error, message string) {
	log.Printf("%s: %v", message, err)
	if shouldIgnore(err) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetExtra("message", message)
		sentry.CaptureException(err)
	})
}

// CaptureErrorWithContext logs an error and reports it to Sentry with HTTP request context.
// This preserves request data (URL, headers, user info) in Sentry events.
func CaptureErrorWithContext(c *gin.Context, err error, message string) {
	log.Printf("%s: %v", message, err)
	if shouldIgnore(err) {
		return
	}
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetExtra("message", message)
			// Helpful request diagnostics without dumping sensitive headers.
			if c != nil && c.Request != nil {
				scope.SetTag("http.method", c.Request.Method)
				scope.SetTag("http.host", c.Request.Host)
				scope.SetTag("http.path", c.Request.URL.Path)
				scope.SetExtra("http.remote_ip", c.ClientIP())
				scope.SetExtra("http.user_agent", c.Request.UserAgent())
			}
			hub.CaptureException(err)
		})
	} else {
		// Fallback to global capture if no hub in context
		CaptureError(err, message)
	}
}
