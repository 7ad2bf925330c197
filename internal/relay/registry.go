package relay

import (
	"encoding/json"
	"io"
	"sync"

	"coreproxy/internal/obs"
	"coreproxy/pkg/protocol"
)

// Connection is one live duplex link to Core: the peer address, the outbound
// frame sink and the version the peer advertised. The registry owns these.
type Connection struct {
	Addr    string
	Version string

	mu  sync.Mutex
	enc *json.Encoder
}

// NewConnection wraps an outbound writer. Frames are newline-delimited JSON,
// same framing the handshake used.
func NewConnection(addr, version string, w io.Writer) *Connection {
	return &Connection{Addr: addr, Version: version, enc: json.NewEncoder(w)}
}

// Send writes a single frame. Serialized so concurrent callers cannot
// interleave partial frames.
func (c *Connection) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(f)
}

// Registry tracks the live Core connection. Only one connection is admitted at
// a time; a second concurrent attempt is refused rather than silently raced.
type Registry struct {
	mu      sync.RWMutex
	conn    *Connection
	version string
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Admit registers the connection. Returns ErrAlreadyConnected if another
// connection currently holds the slot.
func (r *Registry) Admit(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return ErrAlreadyConnected
	}
	r.conn = conn
	r.version = conn.Version
	obs.CoreConnected.Set(1)
	return nil
}

// Remove drops the connection if it is still the registered one.
func (r *Registry) Remove(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == conn {
		r.conn = nil
		obs.CoreConnected.Set(0)
	}
}

// Pick returns the current connection, if any.
func (r *Registry) Pick() (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn, r.conn != nil
}

// Connected reports whether a Core connection is live.
func (r *Registry) Connected() bool {
	_, ok := r.Pick()
	return ok
}

// PeerVersion returns the version advertised by the most recently admitted
// Core. Retained after disconnect for reporting; distinct from Connected.
func (r *Registry) PeerVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
