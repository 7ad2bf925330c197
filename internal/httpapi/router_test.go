package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coreproxy/internal/auth"
	"coreproxy/internal/relay"
	"coreproxy/pkg/protocol"
)

// stubCore scripts the relay behavior seen by handlers.
type stubCore struct {
	connected bool
	version   string
	err       error
	payload   any
	lastType  string
	lastInfo  *protocol.DeviceInfo
	lastToken string
}

func (s *stubCore) Send(ctx context.Context, opType string, payload any, info *protocol.DeviceInfo, token string) (protocol.Frame, error) {
	s.lastType = opType
	s.lastInfo = info
	s.lastToken = token
	if s.err != nil {
		return protocol.Frame{}, s.err
	}
	return protocol.NewFrame(1, opType, s.payload)
}

func (s *stubCore) Connected() bool     { return s.connected }
func (s *stubCore) PeerVersion() string { return s.version }

func newTestRouter(t *testing.T, core *stubCore) (*Handler, http.Handler) {
	t.Helper()
	sessions := auth.NewSessionManager(false)
	sessions.SetSecret("test-secret")
	h := &Handler{Core: core, Sessions: sessions}
	return h, NewRouter(h, nil)
}

func TestHealthEndpoints(t *testing.T) {
	core := &stubCore{connected: false}
	_, router := newTestRouter(t, core)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health-core", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health-core disconnected = %d, want 503", w.Code)
	}

	core.connected = true
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health-core", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health-core connected = %d, want 200", w.Code)
	}
}

func TestCoreStatusHeaders(t *testing.T) {
	core := &stubCore{connected: true, version: "v1.6.0"}
	_, router := newTestRouter(t, core)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))

	if got := w.Header().Get(CoreConnectedHeader); got != "true" {
		t.Errorf("%s = %q, want true", CoreConnectedHeader, got)
	}
	if got := w.Header().Get(CoreVersionHeader); got != "v1.6.0" {
		t.Errorf("%s = %q, want v1.6.0", CoreVersionHeader, got)
	}
}

func TestEnrollmentStartSetsFlowCookie(t *testing.T) {
	deadline := time.Now().Add(10 * time.Minute).Unix()
	core := &stubCore{
		connected: true,
		payload:   protocol.EnrollmentStartResponse{DeadlineTimestamp: deadline, Username: "demo"},
	}
	h, router := newTestRouter(t, core)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/enrollment/start",
		strings.NewReader(`{"token":"enroll-tok"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if core.lastType != protocol.TypeEnrollmentStart {
		t.Errorf("relayed type = %q, want enrollment_start", core.lastType)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.EnrollmentCookieName && c.Value != "" {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("enrollment flow cookie not set")
	}

	// The cookie must resolve back to the token for the follow-up calls.
	check := httptest.NewRequest("GET", "/", nil)
	check.AddCookie(cookie)
	session, err := h.Sessions.GetFlow(check, auth.EnrollmentCookieName)
	if err != nil {
		t.Fatalf("GetFlow() error = %v", err)
	}
	if session.Token != "enroll-tok" {
		t.Errorf("Token = %q, want enroll-tok", session.Token)
	}
}

func TestActivateUserRequiresFlowCookie(t *testing.T) {
	core := &stubCore{connected: true, payload: protocol.ActivateUserResponse{}}
	_, router := newTestRouter(t, core)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/enrollment/activate_user",
		strings.NewReader(`{"password":"pw"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without flow cookie", w.Code)
	}
}

func TestErrorClassificationStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", relay.ErrUnauthorized, http.StatusUnauthorized},
		{"bad request", relay.ErrBadRequest, http.StatusBadRequest},
		{"not licensed", relay.ErrNotLicensed, http.StatusForbidden},
		{"not found", relay.ErrNotFound, http.StatusNotFound},
		{"precondition", relay.ErrPreconditionRequired, http.StatusPreconditionRequired},
		{"timeout", relay.ErrCoreTimeout, http.StatusGatewayTimeout},
		{"not connected", relay.ErrNotConnected, http.StatusServiceUnavailable},
		{"unexpected", relay.ErrUnexpected, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := &stubCore{connected: true, err: tt.err}
			_, router := newTestRouter(t, core)

			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/api/v1/enrollment/start",
				strings.NewReader(`{"token":"tok"}`))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestNotLicensedBody(t *testing.T) {
	core := &stubCore{connected: true, err: relay.ErrNotLicensed}
	_, router := newTestRouter(t, core)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/enrollment/start",
		strings.NewReader(`{"token":"tok"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse body: %v", err)
	}
	if body["error"] != "Feature not licensed" {
		t.Errorf("error = %q, want %q", body["error"], "Feature not licensed")
	}
}

func TestForwardedForWinsOverSocketAddr(t *testing.T) {
	core := &stubCore{connected: true, payload: protocol.InstanceInfoResponse{Name: "x"}}
	_, router := newTestRouter(t, core)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/poll", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("User-Agent", "test-agent")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if core.lastInfo == nil {
		t.Fatal("no device info attached")
	}
	if core.lastInfo.IPAddress != "203.0.113.9" {
		t.Errorf("IPAddress = %q, want 203.0.113.9", core.lastInfo.IPAddress)
	}
	if core.lastInfo.UserAgent != "test-agent" {
		t.Errorf("UserAgent = %q, want test-agent", core.lastInfo.UserAgent)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	_, router := newTestRouter(t, &stubCore{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestFlowStartMalformedCorePayloadIs500(t *testing.T) {
	// A frame that decodes but carries the wrong shape must be classified
	// the same way on every handler path: opaque 500, no flow cookie.
	for _, path := range []string{
		"/api/v1/enrollment/start",
		"/api/v1/password-reset/start",
	} {
		core := &stubCore{
			connected: true,
			payload:   map[string]any{"deadline_timestamp": "not-a-number"},
		}
		_, router := newTestRouter(t, core)

		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", path, strings.NewReader(`{"token":"tok"}`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("%s status = %d, want 500", path, w.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: invalid error body: %v", path, err)
		}
		if body["error"] != "Internal server error" {
			t.Errorf("%s error = %q, want opaque message", path, body["error"])
		}
		for _, c := range w.Result().Cookies() {
			if c.Value != "" {
				t.Errorf("%s set flow cookie %q on a failed start", path, c.Name)
			}
		}
	}
}

func TestInfoReportsSessionReadiness(t *testing.T) {
	sessions := auth.NewSessionManager(false)
	h := &Handler{Core: &stubCore{}, Sessions: sessions}
	router := NewRouter(h, nil)

	readiness := func() bool {
		t.Helper()
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/info", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("/info = %d, want 200", w.Code)
		}
		var body struct {
			Version       string `json:"version"`
			SessionsReady bool   `json:"sessions_ready"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid info body: %v", err)
		}
		if body.Version == "" {
			t.Error("info body missing version")
		}
		return body.SessionsReady
	}

	if readiness() {
		t.Error("sessions_ready = true before a cookie secret arrived")
	}
	sessions.SetSecret("from-core")
	if !readiness() {
		t.Error("sessions_ready = false after the cookie secret arrived")
	}
}
