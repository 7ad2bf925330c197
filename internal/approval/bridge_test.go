package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coreproxy/internal/relay"
	"coreproxy/pkg/protocol"
)

// fakeCore answers token validation and records the wait announcements it
// receives.
type fakeCore struct {
	mu          sync.Mutex
	validTokens map[string]bool
	waits       []string
}

func newFakeCore(valid ...string) *fakeCore {
	fc := &fakeCore{validTokens: make(map[string]bool)}
	for _, tok := range valid {
		fc.validTokens[tok] = true
	}
	return fc
}

func (fc *fakeCore) Send(ctx context.Context, opType string, payload any, info *protocol.DeviceInfo, token string) (protocol.Frame, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	switch opType {
	case protocol.TypeClientMFAValidate:
		req := payload.(protocol.ClientMFAValidateRequest)
		return protocol.NewFrame(1, opType, protocol.ClientMFAValidateResponse{
			TokenValid: fc.validTokens[req.Token],
		})
	case protocol.TypeClientMFARemoteWait:
		req := payload.(protocol.ClientMFARemoteWait)
		fc.waits = append(fc.waits, req.Token)
		return protocol.NewFrame(2, opType, protocol.ClientMFARemoteWait{Token: req.Token})
	default:
		return protocol.Frame{}, relay.ErrInvalidResponseType
	}
}

func (fc *fakeCore) waitCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.waits)
}

func TestAwaitDeliversReportedSecret(t *testing.T) {
	fc := newFakeCore("tok-1")
	b := NewBridge(fc)

	done := make(chan struct{})
	var secret string
	var err error
	go func() {
		defer close(done)
		secret, err = b.Await(context.Background(), "tok-1", nil)
	}()

	// Wait until the bridge has announced the waiter to Core.
	deadline := time.Now().Add(2 * time.Second)
	for fc.waitCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never announced the waiter")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rerr := b.Report("tok-1", "psk-abc"); rerr != nil {
		t.Fatalf("Report() error = %v", rerr)
	}

	<-done
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if secret != "psk-abc" {
		t.Errorf("secret = %q, want psk-abc", secret)
	}
}

func TestReportWithoutWaiterIsUnroutable(t *testing.T) {
	b := NewBridge(newFakeCore())

	err := b.Report("nobody-home", "psk")
	if !errors.Is(err, ErrUnroutableApproval) {
		t.Fatalf("Report() error = %v, want ErrUnroutableApproval", err)
	}
}

func TestSecondReportForSameTokenFails(t *testing.T) {
	fc := newFakeCore("tok-1")
	b := NewBridge(fc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Await(context.Background(), "tok-1", nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for fc.waitCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never announced the waiter")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := b.Report("tok-1", "first"); err != nil {
		t.Fatalf("first Report() error = %v", err)
	}
	if err := b.Report("tok-1", "second"); !errors.Is(err, ErrUnroutableApproval) {
		t.Errorf("second Report() error = %v, want ErrUnroutableApproval", err)
	}
	<-done
}

func TestAwaitRejectsInvalidToken(t *testing.T) {
	b := NewBridge(newFakeCore()) // no valid tokens

	_, err := b.Await(context.Background(), "forged", nil)
	if !errors.Is(err, relay.ErrUnauthorized) {
		t.Fatalf("Await() error = %v, want ErrUnauthorized", err)
	}
}

func TestAwaitTimesOut(t *testing.T) {
	fc := newFakeCore("tok-1")
	b := NewBridge(fc)
	b.SetWait(50 * time.Millisecond)

	_, err := b.Await(context.Background(), "tok-1", nil)
	if !errors.Is(err, ErrApprovalTimeout) {
		t.Fatalf("Await() error = %v, want ErrApprovalTimeout", err)
	}

	// The waiter entry must be gone, so a late completion is unroutable.
	if err := b.Report("tok-1", "late"); !errors.Is(err, ErrUnroutableApproval) {
		t.Errorf("late Report() error = %v, want ErrUnroutableApproval", err)
	}
}

func TestConcurrentAwaitSameTokenRejected(t *testing.T) {
	fc := newFakeCore("tok-1")
	b := NewBridge(fc)
	b.SetWait(time.Second)

	firstWaiting := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		b.Await(context.Background(), "tok-1", nil)
	}()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for fc.waitCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		close(firstWaiting)
	}()
	<-firstWaiting

	_, err := b.Await(context.Background(), "tok-1", nil)
	if !errors.Is(err, ErrTokenBusy) {
		t.Fatalf("second Await() error = %v, want ErrTokenBusy", err)
	}

	b.Report("tok-1", "psk")
	<-firstDone
}

func TestHandleCompletionRoutesToWaiter(t *testing.T) {
	fc := newFakeCore("tok-1")
	b := NewBridge(fc)

	done := make(chan string, 1)
	go func() {
		secret, _ := b.Await(context.Background(), "tok-1", nil)
		done <- secret
	}()

	deadline := time.Now().Add(2 * time.Second)
	for fc.waitCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never announced the waiter")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := b.HandleCompletion(protocol.ClientMFARemoteDone{Token: "tok-1", PresharedKey: "psk-xyz"})
	if err != nil {
		t.Fatalf("HandleCompletion() error = %v", err)
	}
	if secret := <-done; secret != "psk-xyz" {
		t.Errorf("secret = %q, want psk-xyz", secret)
	}
}
