package auth

import (
	"crypto/sha256"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/securecookie"
)

// Cookie names for the token-bearing flow sessions.
const (
	EnrollmentCookieName    = "coreproxy_session"
	PasswordResetCookieName = "coreproxy_password_reset"
)

// ErrNoSecret is returned while no cookie secret has been delivered by Core
// yet. Flow handlers fail until the first relay connection is up.
var ErrNoSecret = errors.New("session keys not configured")

// ErrNoSession is returned when the flow cookie is missing or fails to decode.
var ErrNoSession = errors.New("flow session not found")

// SessionManager encrypts flow cookies with keys derived from the secret Core
// delivers in its initial_info frame. The secret may be replaced wholesale on
// reconnect; existing cookies then simply stop decoding, which ends those
// flows.
type SessionManager struct {
	mu       sync.RWMutex
	sc       *securecookie.SecureCookie
	isSecure bool
}

// FlowSession is the data stored in a flow cookie: the opaque token Core
// issued for the flow.
type FlowSession struct {
	Token    string `json:"token"`
	IssuedAt int64  `json:"issued_at"`
}

// NewSessionManager creates a manager with no keys yet. isSecure sets the
// Secure flag on cookies (true behind HTTPS).
func NewSessionManager(isSecure bool) *SessionManager {
	return &SessionManager{isSecure: isSecure}
}

// SetSecret (re)derives the hash and block keys from the Core-delivered
// secret. Called by the relay loop's initial_info handler.
func (sm *SessionManager) SetSecret(secret string) {
	hash := sha256.Sum256([]byte(secret + ":hash"))
	block := sha256.Sum256([]byte(secret + ":block"))
	sc := securecookie.New(hash[:], block[:])
	sc.MaxAge(24 * 60 * 60)

	sm.mu.Lock()
	sm.sc = sc
	sm.mu.Unlock()
}

// Ready reports whether a secret has been installed.
func (sm *SessionManager) Ready() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sc != nil
}

func (sm *SessionManager) codec() (*securecookie.SecureCookie, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.sc == nil {
		return nil, ErrNoSecret
	}
	return sm.sc, nil
}

// SetFlow stores the flow token in an encrypted cookie expiring at deadline.
func (sm *SessionManager) SetFlow(w http.ResponseWriter, name, token string, deadline time.Time) error {
	sc, err := sm.codec()
	if err != nil {
		return err
	}
	encoded, err := sc.Encode(name, FlowSession{Token: token, IssuedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    encoded,
		Path:     "/",
		Expires:  deadline,
		Secure:   sm.isSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// GetFlow reads and decrypts the flow cookie.
func (sm *SessionManager) GetFlow(r *http.Request, name string) (*FlowSession, error) {
	sc, err := sm.codec()
	if err != nil {
		return nil, err
	}
	cookie, err := r.Cookie(name)
	if err != nil {
		return nil, ErrNoSession
	}
	var data FlowSession
	if err := sc.Decode(name, cookie.Value, &data); err != nil {
		return nil, ErrNoSession
	}
	return &data, nil
}

// ClearFlow removes the flow cookie.
func (sm *SessionManager) ClearFlow(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   sm.isSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
