package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coreproxy/internal/version"
	"coreproxy/pkg/protocol"
)

// Response headers advertising backend health to clients on every request.
const (
	CoreConnectedHeader = "coreproxy-core-connected"
	CoreVersionHeader   = "coreproxy-core-version"
)

// NewRouter assembles the public HTTP surface.
func NewRouter(h *Handler, sentryMiddleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	if sentryMiddleware != nil {
		r.Use(sentryMiddleware)
	}
	r.Use(h.coreHeaders)

	api := r.Group("/api/v1")
	{
		h.enrollmentRoutes(api.Group("/enrollment"))
		h.passwordResetRoutes(api.Group("/password-reset"))
		h.clientMFARoutes(api.Group("/client-mfa"))
		api.POST("/poll", h.poll)
		api.GET("/health", h.health)
		api.GET("/health-core", h.healthCore)
		api.GET("/info", h.info)
		api.GET("/stats", h.stats)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not found")
	})
	return r
}

// coreHeaders advertises backend connectivity and version on every response.
func (h *Handler) coreHeaders(c *gin.Context) {
	connected := "false"
	if h.Core.Connected() {
		connected = "true"
	}
	c.Header(CoreConnectedHeader, connected)
	if v := h.Core.PeerVersion(); v != "" {
		c.Header(CoreVersionHeader, v)
	}
	c.Next()
}

func (h *Handler) poll(c *gin.Context) {
	resp, ok := relayJSON[protocol.InstanceInfoRequest, protocol.InstanceInfoResponse](h, c, protocol.TypeInstanceInfo, "")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) health(c *gin.Context) {
	c.String(http.StatusOK, "alive")
}

func (h *Handler) healthCore(c *gin.Context) {
	if h.Core.Connected() {
		c.String(http.StatusOK, "alive")
		return
	}
	c.String(http.StatusServiceUnavailable, "Not connected to Core")
}

func (h *Handler) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        version.Version,
		"sessions_ready": h.Sessions.Ready(),
	})
}

func (h *Handler) stats(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusOK, gin.H{"operations": 0, "failed": 0})
		return
	}
	total, failed, err := h.Store.OperationStats()
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": total, "failed": failed})
}
