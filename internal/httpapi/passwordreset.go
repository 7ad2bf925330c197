package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"coreproxy/internal/auth"
	"coreproxy/internal/relay"
	"coreproxy/pkg/protocol"
)

func (h *Handler) passwordResetRoutes(rg *gin.RouterGroup) {
	rg.POST("/request", h.requestPasswordReset)
	rg.POST("/start", h.startPasswordReset)
	rg.POST("/reset", h.resetPassword)
}

// requestPasswordReset asks Core to send the reset email. No session yet.
func (h *Handler) requestPasswordReset(c *gin.Context) {
	if _, ok := relayJSON[protocol.PasswordResetInitRequest, protocol.PasswordResetInitResponse](h, c, protocol.TypePasswordResetInit, ""); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *Handler) startPasswordReset(c *gin.Context) {
	h.Sessions.ClearFlow(c.Writer, auth.PasswordResetCookieName)

	var req protocol.PasswordResetStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad request"})
		return
	}
	frame, err := h.Core.Send(c.Request.Context(), protocol.TypePasswordResetStart, req, deviceInfo(c), "")
	if err != nil {
		renderError(c, err)
		return
	}
	var resp protocol.PasswordResetStartResponse
	if err := frame.DecodeData(&resp); err != nil {
		renderError(c, relay.ErrInvalidResponseType)
		return
	}

	deadline := time.Unix(resp.DeadlineTimestamp, 0)
	if err := h.Sessions.SetFlow(c.Writer, auth.PasswordResetCookieName, req.Token, deadline); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) resetPassword(c *gin.Context) {
	token, ok := h.flowToken(c, auth.PasswordResetCookieName)
	if !ok {
		return
	}
	if _, ok := relayJSON[protocol.PasswordResetRequest, protocol.PasswordResetResponse](h, c, protocol.TypePasswordReset, token); !ok {
		return
	}
	h.Sessions.ClearFlow(c.Writer, auth.PasswordResetCookieName)
	c.JSON(http.StatusOK, gin.H{})
}
