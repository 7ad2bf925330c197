// Package httpapi is the client-facing HTTP/WebSocket surface. Handlers are
// thin: they bind JSON, relay the operation to Core and translate error kinds
// into HTTP statuses. All hard logic lives in relay, setup and approval.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"coreproxy/internal/approval"
	"coreproxy/internal/auth"
	"coreproxy/internal/relay"
	"coreproxy/internal/sentry"
	"coreproxy/internal/storage"
	"coreproxy/pkg/protocol"
)

// Core is the slice of the relay the HTTP layer consumes.
type Core interface {
	Send(ctx context.Context, opType string, payload any, info *protocol.DeviceInfo, token string) (protocol.Frame, error)
	Connected() bool
	PeerVersion() string
}

// Handler carries the dependencies shared by all routes.
type Handler struct {
	Core     Core
	Sessions *auth.SessionManager
	Bridge   *approval.Bridge
	Store    storage.Store
}

// deviceInfo extracts the end-client address and user agent to attach to the
// outbound frame. Leftmost x-forwarded-for wins over the socket address.
func deviceInfo(c *gin.Context) *protocol.DeviceInfo {
	ip := c.ClientIP()
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return &protocol.DeviceInfo{
		IPAddress: ip,
		UserAgent: c.Request.UserAgent(),
	}
}

// renderError translates a classified error into the protocol-appropriate
// status. The relay produces the classification; this is the only place it is
// turned into a wire representation.
func renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "Internal server error"

	switch {
	case errors.Is(err, relay.ErrUnauthorized),
		errors.Is(err, auth.ErrNoSession),
		errors.Is(err, auth.ErrNoSecret),
		errors.Is(err, approval.ErrTokenBusy):
		status, msg = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, relay.ErrBadRequest):
		status, msg = http.StatusBadRequest, "Bad request"
	case errors.Is(err, relay.ErrNotLicensed):
		status, msg = http.StatusForbidden, "Feature not licensed"
	case errors.Is(err, relay.ErrPermissionDenied):
		status, msg = http.StatusForbidden, "Forbidden"
	case errors.Is(err, relay.ErrNotFound):
		status, msg = http.StatusNotFound, "Not found"
	case errors.Is(err, relay.ErrPreconditionRequired):
		status, msg = http.StatusPreconditionRequired, "Precondition required"
	case errors.Is(err, relay.ErrCoreTimeout), errors.Is(err, approval.ErrApprovalTimeout):
		status, msg = http.StatusGatewayTimeout, "Core did not respond in time"
	case errors.Is(err, relay.ErrNotConnected):
		status, msg = http.StatusServiceUnavailable, "Not connected to Core"
	}

	if status >= http.StatusInternalServerError {
		sentry.CaptureErrorWithContext(c, err, "Request failed")
	}
	c.JSON(status, gin.H{"error": msg})
}

// relayJSON is the common shape of most handlers: bind req, send, decode resp.
func relayJSON[Req any, Resp any](h *Handler, c *gin.Context, opType, token string) (Resp, bool) {
	var resp Resp
	var req Req
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad request"})
		return resp, false
	}
	frame, err := h.Core.Send(c.Request.Context(), opType, req, deviceInfo(c), token)
	if err != nil {
		renderError(c, err)
		return resp, false
	}
	if err := frame.DecodeData(&resp); err != nil {
		renderError(c, relay.ErrInvalidResponseType)
		return resp, false
	}
	return resp, true
}

// flowToken reads the given flow cookie and returns its token.
func (h *Handler) flowToken(c *gin.Context, cookieName string) (string, bool) {
	session, err := h.Sessions.GetFlow(c.Request, cookieName)
	if err != nil {
		renderError(c, err)
		return "", false
	}
	return session.Token, true
}
