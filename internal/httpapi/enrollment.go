package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"coreproxy/internal/auth"
	"coreproxy/internal/relay"
	"coreproxy/pkg/protocol"
)

func (h *Handler) enrollmentRoutes(rg *gin.RouterGroup) {
	rg.POST("/start", h.startEnrollment)
	rg.POST("/activate_user", h.activateUser)
	rg.POST("/create_device", h.createDevice)
	rg.POST("/network_info", h.networkInfo)
}

func (h *Handler) startEnrollment(c *gin.Context) {
	// Clear any previous flow before starting a new one.
	h.Sessions.ClearFlow(c.Writer, auth.EnrollmentCookieName)

	var req protocol.EnrollmentStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad request"})
		return
	}
	frame, err := h.Core.Send(c.Request.Context(), protocol.TypeEnrollmentStart, req, deviceInfo(c), "")
	if err != nil {
		renderError(c, err)
		return
	}
	var resp protocol.EnrollmentStartResponse
	if err := frame.DecodeData(&resp); err != nil {
		renderError(c, relay.ErrInvalidResponseType)
		return
	}

	deadline := time.Unix(resp.DeadlineTimestamp, 0)
	if err := h.Sessions.SetFlow(c.Writer, auth.EnrollmentCookieName, req.Token, deadline); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) activateUser(c *gin.Context) {
	token, ok := h.flowToken(c, auth.EnrollmentCookieName)
	if !ok {
		return
	}
	if _, ok := relayJSON[protocol.ActivateUserRequest, protocol.ActivateUserResponse](h, c, protocol.TypeActivateUser, token); !ok {
		return
	}
	// Enrollment finished, the flow cookie has served its purpose.
	h.Sessions.ClearFlow(c.Writer, auth.EnrollmentCookieName)
	c.JSON(http.StatusOK, gin.H{})
}

func (h *Handler) createDevice(c *gin.Context) {
	token, ok := h.flowToken(c, auth.EnrollmentCookieName)
	if !ok {
		return
	}
	resp, ok := relayJSON[protocol.NewDevice, protocol.DeviceConfig](h, c, protocol.TypeNewDevice, token)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) networkInfo(c *gin.Context) {
	token, ok := h.flowToken(c, auth.EnrollmentCookieName)
	if !ok {
		return
	}
	resp, ok := relayJSON[protocol.ExistingDevice, protocol.DeviceConfig](h, c, protocol.TypeExistingDevice, token)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, resp)
}
