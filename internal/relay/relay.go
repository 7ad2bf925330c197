package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"coreproxy/internal/obs"
	"coreproxy/internal/version"
	"coreproxy/pkg/protocol"
)

// DefaultSendTimeout bounds how long a caller waits for a Core response.
const DefaultSendTimeout = 5 * time.Second

// Recorder receives an audit record for every relayed operation.
type Recorder interface {
	RecordOperation(opType string, duration time.Duration, errKind string)
}

// Relay is the request/response correlator multiplexing concurrent callers
// over the single Core connection. It owns the pending-request map; the
// Registry owns the connection itself.
type Relay struct {
	registry *Registry
	timeout  time.Duration

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.Frame

	onSecret     func(secret string)
	onApproval   func(done protocol.ClientMFARemoteDone) error
	onConnChange func(connected bool, version string)
	recorder     Recorder
}

// Option configures a Relay.
type Option func(*Relay)

// WithTimeout overrides the default per-send timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) { r.timeout = d }
}

// WithSecretHandler registers the consumer of the initial_info cookie secret.
func WithSecretHandler(fn func(secret string)) Option {
	return func(r *Relay) { r.onSecret = fn }
}

// WithApprovalHandler registers the consumer of remote-approval completion
// events. The handler returns an error when no waiter is registered for the
// token; the relay loop reports it rather than dropping the event.
func WithApprovalHandler(fn func(done protocol.ClientMFARemoteDone) error) Option {
	return func(r *Relay) { r.onApproval = fn }
}

// SetApprovalHandler is the post-construction form of WithApprovalHandler,
// for wiring the bridge after the relay exists. Call before serving
// connections.
func (r *Relay) SetApprovalHandler(fn func(done protocol.ClientMFARemoteDone) error) {
	r.onApproval = fn
}

// WithConnectionListener registers a callback invoked when the Core connection
// is admitted or lost.
func WithConnectionListener(fn func(connected bool, version string)) Option {
	return func(r *Relay) { r.onConnChange = fn }
}

// WithRecorder attaches an audit recorder for relayed operations.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

func New(registry *Registry, opts ...Option) *Relay {
	r := &Relay{
		registry: registry,
		timeout:  DefaultSendTimeout,
		pending:  make(map[uint64]chan protocol.Frame),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connected reports whether a Core connection is live.
func (r *Relay) Connected() bool { return r.registry.Connected() }

// PeerVersion returns the version advertised by Core, or "" before the first
// connection.
func (r *Relay) PeerVersion() string { return r.registry.PeerVersion() }

// Send relays one operation to Core and waits for the matching response.
// Fails immediately with ErrNotConnected when no connection is registered.
// The response is matched by id, never by arrival order; its type must echo
// the request type or ErrInvalidResponseType is returned. A core_error
// response is deflated into a classified error.
func (r *Relay) Send(ctx context.Context, opType string, payload any, info *protocol.DeviceInfo, token string) (protocol.Frame, error) {
	start := time.Now()
	frame, err := r.send(ctx, opType, payload, info, token)
	if r.recorder != nil {
		r.recorder.RecordOperation(opType, time.Since(start), errKind(err))
	}
	return frame, err
}

func (r *Relay) send(ctx context.Context, opType string, payload any, info *protocol.DeviceInfo, token string) (protocol.Frame, error) {
	conn, ok := r.registry.Pick()
	if !ok {
		return protocol.Frame{}, ErrNotConnected
	}

	frame, err := protocol.NewFrame(r.nextID.Add(1), opType, payload)
	if err != nil {
		return protocol.Frame{}, err
	}
	frame.DeviceInfo = info
	frame.Token = token

	// Register the waiter before writing so a fast response cannot arrive
	// before the pending entry exists.
	ch := make(chan protocol.Frame, 1)
	r.addPending(frame.ID, ch)

	if err := conn.Send(frame); err != nil {
		r.removePending(frame.ID)
		log.Printf("Failed to write frame id=%d to core: %v", frame.ID, err)
		return protocol.Frame{}, ErrNotConnected
	}
	obs.RelayedTotal.WithLabelValues(opType).Inc()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Type == protocol.TypeCoreError {
			var ce protocol.CoreError
			if err := resp.DecodeData(&ce); err != nil {
				return protocol.Frame{}, ErrInvalidResponseType
			}
			return protocol.Frame{}, classifyCoreError(ce)
		}
		if resp.Type != opType {
			log.Printf("Response id=%d has type %q, expected %q", resp.ID, resp.Type, opType)
			return protocol.Frame{}, ErrInvalidResponseType
		}
		return resp, nil
	case <-timer.C:
		r.removePending(frame.ID)
		obs.RelayTimeoutsTotal.Inc()
		return protocol.Frame{}, ErrCoreTimeout
	case <-ctx.Done():
		r.removePending(frame.ID)
		return protocol.Frame{}, ctx.Err()
	}
}

func (r *Relay) addPending(id uint64, ch chan protocol.Frame) {
	r.mu.Lock()
	r.pending[id] = ch
	obs.PendingRequests.Set(float64(len(r.pending)))
	r.mu.Unlock()
}

func (r *Relay) removePending(id uint64) (chan protocol.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[id]
	delete(r.pending, id)
	obs.PendingRequests.Set(float64(len(r.pending)))
	return ch, ok
}

// pendingCount is used by tests to check for leaked entries.
func (r *Relay) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// dispatch routes one inbound frame: control payloads go to their dedicated
// handlers, everything else is matched to a pending request by id.
func (r *Relay) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeInitialInfo:
		var info protocol.InitialInfo
		if err := f.DecodeData(&info); err != nil {
			log.Printf("Malformed initial_info frame: %v", err)
			return
		}
		if r.onSecret != nil {
			r.onSecret(info.CookieSecret)
		}
		return
	case protocol.TypeClientMFARemoteDone:
		var done protocol.ClientMFARemoteDone
		if err := f.DecodeData(&done); err != nil {
			log.Printf("Malformed remote approval completion frame: %v", err)
			return
		}
		if r.onApproval == nil {
			log.Printf("Remote approval completion received but no bridge is registered")
			return
		}
		if err := r.onApproval(done); err != nil {
			obs.UnroutableTotal.Inc()
			log.Printf("Remote approval completion could not be delivered: %v", err)
		}
		return
	}

	ch, ok := r.removePending(f.ID)
	if !ok {
		// Late response after timeout, or a response we never asked for.
		// Discard with a log, never deliver to a stale caller.
		obs.UnroutableTotal.Inc()
		log.Printf("No waiter for response id=%d (type %s), discarding", f.ID, f.Type)
		return
	}
	ch <- f
}

// ServeStream runs the relay loop for one Core connection: hello, version
// gate, registry admission, then frame dispatch until the read side ends.
// On return the connection is removed from the registry and health is marked
// disconnected.
func (r *Relay) ServeStream(rw io.ReadWriter, remoteAddr string) error {
	dec := json.NewDecoder(rw)

	var first protocol.Frame
	if err := dec.Decode(&first); err != nil {
		return err
	}
	if first.Type != protocol.TypeHello {
		return errors.New("expected hello as first frame")
	}
	var hello protocol.Hello
	if err := first.DecodeData(&hello); err != nil {
		return err
	}
	if !version.Supported(hello.Version) {
		obs.VersionRefusalsTotal.Inc()
		refuse(rw, 426, "core version not supported")
		return ErrUnsupportedVersion
	}

	conn := NewConnection(remoteAddr, version.Canonical(hello.Version), rw)
	if err := r.registry.Admit(conn); err != nil {
		refuse(rw, 409, "another core connection is active")
		return err
	}
	if r.onConnChange != nil {
		r.onConnChange(true, conn.Version)
	}
	defer func() {
		r.registry.Remove(conn)
		if r.onConnChange != nil {
			r.onConnChange(false, conn.Version)
		}
	}()

	log.Printf("Core connected from %s (version %s)", remoteAddr, conn.Version)

	for {
		var f protocol.Frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("Core relay stream closed (%s)", remoteAddr)
				return nil
			}
			log.Printf("Core relay stream error (%s): %v", remoteAddr, err)
			return err
		}
		r.dispatch(f)
	}
}

// refuse writes a core_error frame before the connection is dropped so the
// peer sees why it was rejected.
func refuse(w io.Writer, status int, msg string) {
	f, err := protocol.NewFrame(0, protocol.TypeCoreError, protocol.CoreError{StatusCode: status, Message: msg})
	if err != nil {
		return
	}
	_ = json.NewEncoder(w).Encode(f)
}

func errKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrCoreTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidResponseType):
		return "invalid_response"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotLicensed):
		return "not_licensed"
	default:
		return "error"
	}
}
