// Package approval bridges a waiting WebSocket client, a Core-side token
// validation and an asynchronous completion event into delivery of a shared
// secret to exactly the right waiter.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coreproxy/internal/obs"
	"coreproxy/internal/relay"
	"coreproxy/pkg/protocol"
)

// DefaultWait bounds how long a client may wait for approval from the second
// device. Deliberately much longer than the relay send timeout: a human is in
// the loop.
const DefaultWait = 60 * time.Second

var (
	// ErrUnroutableApproval means a completion event arrived for a token with
	// no registered waiter. The approving flow finished but nobody was
	// listening; reported as an error, never swallowed.
	ErrUnroutableApproval = errors.New("no waiter registered for approval token")
	// ErrApprovalTimeout means the second device did not complete in time.
	ErrApprovalTimeout = errors.New("timed out waiting for remote approval")
	// ErrTokenBusy means a waiter is already registered for the token.
	ErrTokenBusy = errors.New("approval token already has a waiter")
)

// Sender is the slice of the relay the bridge needs.
type Sender interface {
	Send(ctx context.Context, opType string, payload any, info *protocol.DeviceInfo, token string) (protocol.Frame, error)
}

// Bridge owns the RemoteApprovalSession map: one single-use waiter per token,
// resolved exactly once.
type Bridge struct {
	core Sender
	wait time.Duration

	mu      sync.Mutex
	waiters map[string]chan string
}

func NewBridge(core Sender) *Bridge {
	return &Bridge{core: core, wait: DefaultWait, waiters: make(map[string]chan string)}
}

// SetWait overrides the approval wait bound. Used by tests.
func (b *Bridge) SetWait(d time.Duration) { b.wait = d }

// Await validates the token with Core, registers a single-use waiter for it,
// announces to Core that this instance is waiting, and blocks until Report
// resolves the waiter, the wait bound elapses, or ctx is cancelled. The waiter
// entry is removed on every exit path.
func (b *Bridge) Await(ctx context.Context, token string, info *protocol.DeviceInfo) (string, error) {
	resp, err := b.core.Send(ctx, protocol.TypeClientMFAValidate,
		protocol.ClientMFAValidateRequest{Token: token}, info, "")
	if err != nil {
		return "", err
	}
	var validation protocol.ClientMFAValidateResponse
	if err := resp.DecodeData(&validation); err != nil {
		return "", relay.ErrInvalidResponseType
	}
	if !validation.TokenValid {
		return "", fmt.Errorf("%w: approval token rejected by core", relay.ErrUnauthorized)
	}

	ch, err := b.register(token)
	if err != nil {
		return "", err
	}
	defer b.remove(token)

	// Tell Core this instance now holds the waiter, so the completion event
	// is routed here.
	if _, err := b.core.Send(ctx, protocol.TypeClientMFARemoteWait,
		protocol.ClientMFARemoteWait{Token: token}, info, ""); err != nil {
		return "", err
	}

	timer := time.NewTimer(b.wait)
	defer timer.Stop()

	select {
	case secret := <-ch:
		return secret, nil
	case <-timer.C:
		return "", ErrApprovalTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Report resolves the waiter for token with the shared secret. At most one
// waiter is resolved per token; a missing waiter is an error condition.
func (b *Bridge) Report(token, secret string) error {
	b.mu.Lock()
	ch, ok := b.waiters[token]
	if ok {
		delete(b.waiters, token)
		obs.ApprovalSessions.Set(float64(len(b.waiters)))
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w (token %q)", ErrUnroutableApproval, truncateToken(token))
	}
	// Buffered, and the entry is already removed: delivery cannot block and
	// cannot happen twice.
	ch <- secret
	return nil
}

// HandleCompletion adapts Report to the relay loop's completion events.
func (b *Bridge) HandleCompletion(done protocol.ClientMFARemoteDone) error {
	return b.Report(done.Token, done.PresharedKey)
}

func (b *Bridge) register(token string) (chan string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.waiters[token]; exists {
		return nil, ErrTokenBusy
	}
	ch := make(chan string, 1)
	b.waiters[token] = ch
	obs.ApprovalSessions.Set(float64(len(b.waiters)))
	return ch, nil
}

func (b *Bridge) remove(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.waiters[token]; ok {
		delete(b.waiters, token)
		obs.ApprovalSessions.Set(float64(len(b.waiters)))
	}
}

// truncateToken keeps logs and errors useful without spelling out the whole
// credential.
func truncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
