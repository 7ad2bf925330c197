package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CoreConnected        = promauto.NewGauge(prometheus.GaugeOpts{Name: "coreproxy_core_connected", Help: "1 when a Core relay connection is admitted"})
	PendingRequests      = promauto.NewGauge(prometheus.GaugeOpts{Name: "coreproxy_pending_requests", Help: "Requests awaiting a Core response"})
	RelayedTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "coreproxy_relayed_total", Help: "Relayed operations by type"}, []string{"type"})
	RelayTimeoutsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "coreproxy_relay_timeouts_total", Help: "Requests that timed out waiting for Core"})
	UnroutableTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "coreproxy_unroutable_total", Help: "Responses or completion events with no registered waiter"})
	ApprovalSessions     = promauto.NewGauge(prometheus.GaugeOpts{Name: "coreproxy_approval_sessions", Help: "Remote-approval waiters currently registered"})
	SetupAttemptsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "coreproxy_setup_attempts_total", Help: "Provisioning handshake attempts by outcome"}, []string{"outcome"})
	VersionRefusalsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "coreproxy_version_refusals_total", Help: "Core connections refused by the version gate"})
)
