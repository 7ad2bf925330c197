package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"coreproxy/internal/version"
	"coreproxy/pkg/protocol"
)

// testCore drives the peer side of a relay stream in tests.
type testCore struct {
	t    *testing.T
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func startRelay(t *testing.T, r *Relay) (*testCore, chan error) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	done := make(chan error, 1)
	go func() { done <- r.ServeStream(server, "pipe") }()

	return &testCore{
		t:    t,
		conn: client,
		enc:  json.NewEncoder(client),
		dec:  json.NewDecoder(client),
	}, done
}

func (c *testCore) hello(ver string) {
	c.t.Helper()
	f, err := protocol.NewFrame(0, protocol.TypeHello, protocol.Hello{Component: "core", Version: ver})
	if err != nil {
		c.t.Fatalf("NewFrame() error = %v", err)
	}
	if err := c.enc.Encode(f); err != nil {
		c.t.Fatalf("Failed to send hello: %v", err)
	}
}

func (c *testCore) read() protocol.Frame {
	c.t.Helper()
	var f protocol.Frame
	if err := c.dec.Decode(&f); err != nil {
		c.t.Fatalf("Failed to read frame: %v", err)
	}
	return f
}

func (c *testCore) send(id uint64, typ string, payload any) {
	c.t.Helper()
	f, err := protocol.NewFrame(id, typ, payload)
	if err != nil {
		c.t.Fatalf("NewFrame() error = %v", err)
	}
	if err := c.enc.Encode(f); err != nil {
		c.t.Fatalf("Failed to send frame: %v", err)
	}
}

func waitConnected(t *testing.T, r *Relay) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Connected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("relay never reported a connection")
}

func TestSendFailsFastWhenNotConnected(t *testing.T) {
	r := New(NewRegistry())

	start := time.Now()
	_, err := r.Send(context.Background(), protocol.TypeInstanceInfo, protocol.InstanceInfoRequest{}, nil, "")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send() took %v, expected immediate failure", elapsed)
	}
}

func TestVersionGateRefusesOldCore(t *testing.T) {
	r := New(NewRegistry())
	core, done := startRelay(t, r)

	core.hello("1.4.9")

	refusal := core.read()
	if refusal.Type != protocol.TypeCoreError {
		t.Fatalf("expected core_error refusal, got %s", refusal.Type)
	}
	var ce protocol.CoreError
	if err := refusal.DecodeData(&ce); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if ce.StatusCode != 426 {
		t.Errorf("StatusCode = %d, want 426", ce.StatusCode)
	}

	if err := <-done; !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("ServeStream() error = %v, want ErrUnsupportedVersion", err)
	}
	if r.Connected() {
		t.Error("relay should not report connected after a refused hello")
	}
}

func TestSecondConnectionRefused(t *testing.T) {
	r := New(NewRegistry())
	first, _ := startRelay(t, r)
	first.hello(version.MinCoreVersion[1:])
	waitConnected(t, r)

	second, done := startRelay(t, r)
	second.hello(version.MinCoreVersion[1:])

	refusal := second.read()
	var ce protocol.CoreError
	if err := refusal.DecodeData(&ce); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if ce.StatusCode != 409 {
		t.Errorf("StatusCode = %d, want 409", ce.StatusCode)
	}
	if err := <-done; !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("ServeStream() error = %v, want ErrAlreadyConnected", err)
	}

	// The first connection must survive the refused attempt.
	if !r.Connected() {
		t.Error("original connection should still be registered")
	}
}

func TestResponsesMatchedByIDNotOrder(t *testing.T) {
	r := New(NewRegistry())
	core, _ := startRelay(t, r)
	core.hello("1.5.0")
	waitConnected(t, r)

	// Answer the two outstanding requests in reverse arrival order.
	go func() {
		a := core.read()
		b := core.read()
		core.send(b.ID, b.Type, protocol.ClientMFAStartResponse{Token: "second"})
		core.send(a.ID, a.Type, protocol.ClientMFAStartResponse{Token: "first"})
	}()

	var wg sync.WaitGroup
	results := make([]protocol.Frame, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Send(context.Background(), protocol.TypeClientMFAStart,
				protocol.ClientMFAStartRequest{PubKey: "k"}, nil, "")
		}(i)
		// Keep request submission ordered so ids are deterministic per slot.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Send() %d error = %v", i, err)
		}
	}

	var respA, respB protocol.ClientMFAStartResponse
	if err := results[0].DecodeData(&respA); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if err := results[1].DecodeData(&respB); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if respA.Token != "first" || respB.Token != "second" {
		t.Errorf("responses crossed: got %q/%q, want first/second", respA.Token, respB.Token)
	}
	if n := r.pendingCount(); n != 0 {
		t.Errorf("pendingCount = %d after completion, want 0", n)
	}
}

func TestTimeoutRemovesPendingEntry(t *testing.T) {
	r := New(NewRegistry(), WithTimeout(50*time.Millisecond))
	core, _ := startRelay(t, r)
	core.hello("1.5.0")
	waitConnected(t, r)

	// Swallow the request, never answer.
	go func() {
		var f protocol.Frame
		_ = core.dec.Decode(&f)
	}()

	_, err := r.Send(context.Background(), protocol.TypeInstanceInfo, protocol.InstanceInfoRequest{}, nil, "")
	if !errors.Is(err, ErrCoreTimeout) {
		t.Fatalf("Send() error = %v, want ErrCoreTimeout", err)
	}
	if n := r.pendingCount(); n != 0 {
		t.Errorf("pendingCount = %d after timeout, want 0", n)
	}
}

func TestLateResponseDiscarded(t *testing.T) {
	r := New(NewRegistry())

	// No waiter registered for this id; dispatch must drop it quietly.
	f, err := protocol.NewFrame(999, protocol.TypeInstanceInfo, protocol.InstanceInfoResponse{})
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	r.dispatch(f)

	if n := r.pendingCount(); n != 0 {
		t.Errorf("pendingCount = %d, want 0", n)
	}
}

func TestMismatchedResponseType(t *testing.T) {
	r := New(NewRegistry())
	core, _ := startRelay(t, r)
	core.hello("1.5.0")
	waitConnected(t, r)

	go func() {
		req := core.read()
		core.send(req.ID, protocol.TypeEnrollmentStart, protocol.EnrollmentStartResponse{})
	}()

	_, err := r.Send(context.Background(), protocol.TypeInstanceInfo, protocol.InstanceInfoRequest{}, nil, "")
	if !errors.Is(err, ErrInvalidResponseType) {
		t.Fatalf("Send() error = %v, want ErrInvalidResponseType", err)
	}
}

func TestCoreErrorClassified(t *testing.T) {
	r := New(NewRegistry())
	core, _ := startRelay(t, r)
	core.hello("1.5.0")
	waitConnected(t, r)

	go func() {
		req := core.read()
		core.send(req.ID, protocol.TypeCoreError, protocol.CoreError{StatusCode: 401, Message: "bad token"})
	}()

	_, err := r.Send(context.Background(), protocol.TypeEnrollmentStart, protocol.EnrollmentStartRequest{Token: "x"}, nil, "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Send() error = %v, want ErrUnauthorized", err)
	}
}

func TestInitialInfoReachesSecretHandler(t *testing.T) {
	secrets := make(chan string, 1)
	r := New(NewRegistry(), WithSecretHandler(func(s string) { secrets <- s }))
	core, _ := startRelay(t, r)
	core.hello("1.5.0")
	core.send(0, protocol.TypeInitialInfo, protocol.InitialInfo{CookieSecret: "hunter2"})

	select {
	case got := <-secrets:
		if got != "hunter2" {
			t.Errorf("secret = %q, want hunter2", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("secret handler never invoked")
	}
}

func TestDisconnectClearsRegistry(t *testing.T) {
	r := New(NewRegistry())
	core, done := startRelay(t, r)
	core.hello("1.5.0")
	waitConnected(t, r)

	core.conn.Close()
	<-done

	if r.Connected() {
		t.Error("relay still reports connected after stream closed")
	}
	if v := r.PeerVersion(); v != "v1.5.0" {
		t.Errorf("PeerVersion = %q, want v1.5.0 retained after disconnect", v)
	}
}

func TestClassifyCoreError(t *testing.T) {
	tests := []struct {
		name string
		ce   protocol.CoreError
		want error
	}{
		{"bad request", protocol.CoreError{StatusCode: 400, Message: "nope"}, ErrBadRequest},
		{"unauthorized", protocol.CoreError{StatusCode: 401, Message: "nope"}, ErrUnauthorized},
		{"forbidden", protocol.CoreError{StatusCode: 403, Message: "nope"}, ErrPermissionDenied},
		{"not found", protocol.CoreError{StatusCode: 404, Message: "nope"}, ErrNotFound},
		{"precondition", protocol.CoreError{StatusCode: 428, Message: "nope"}, ErrPreconditionRequired},
		{"bad gateway", protocol.CoreError{StatusCode: 502, Message: "nope"}, ErrCoreTimeout},
		{"license by message", protocol.CoreError{StatusCode: 403, Message: "instance has no valid license"}, ErrNotLicensed},
		{"unknown", protocol.CoreError{StatusCode: 418, Message: "teapot"}, ErrUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := classifyCoreError(tt.ce); !errors.Is(err, tt.want) {
				t.Errorf("classifyCoreError(%d %q) = %v, want %v", tt.ce.StatusCode, tt.ce.Message, err, tt.want)
			}
		})
	}
}
