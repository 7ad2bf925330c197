package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"coreproxy/internal/approval"
	"coreproxy/internal/sentry"
	"coreproxy/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway fronts desktop and mobile clients, not browser pages; the
	// Origin header carries no signal here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) clientMFARoutes(rg *gin.RouterGroup) {
	rg.POST("/start", h.startClientMFA)
	rg.POST("/finish", h.finishClientMFA)
	rg.GET("/remote", h.awaitRemoteAuth)
	rg.POST("/finish-remote", h.finishRemoteMFA)
}

func (h *Handler) startClientMFA(c *gin.Context) {
	resp, ok := relayJSON[protocol.ClientMFAStartRequest, protocol.ClientMFAStartResponse](h, c, protocol.TypeClientMFAStart, "")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) finishClientMFA(c *gin.Context) {
	resp, ok := relayJSON[protocol.ClientMFAFinishRequest, protocol.ClientMFAFinishResponse](h, c, protocol.TypeClientMFAFinish, "")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, resp)
}

// awaitRemoteAuth lets a client wait for another device to complete MFA on
// its behalf. The socket stays open until the bridge resolves the token or
// the wait bound elapses.
func (h *Handler) awaitRemoteAuth(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad request"})
		return
	}
	info := deviceInfo(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sentry.CaptureErrorWithContext(c, err, "WebSocket upgrade failed")
		return
	}
	h.Bridge.ServeSocket(c.Request.Context(), ws, token, info)
}

// finishRemoteMFA is called by the approving device. If Core's response names
// a waiting token, the secret is forwarded to that waiter.
func (h *Handler) finishRemoteMFA(c *gin.Context) {
	resp, ok := relayJSON[protocol.ClientMFAFinishRequest, protocol.ClientMFAFinishResponse](h, c, protocol.TypeClientMFAFinish, "")
	if !ok {
		return
	}
	if resp.Token == "" {
		sentry.CaptureErrorWithContext(c, approval.ErrUnroutableApproval, "Remote MFA finished but core returned no waiting token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if err := h.Bridge.Report(resp.Token, resp.PresharedKey); err != nil {
		// The approving flow completed but the waiter is gone. Surface it,
		// never swallow it.
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
