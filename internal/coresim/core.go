package coresim

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"coreproxy/pkg/protocol"
)

// Core simulates the backend side of the relay: it dials the proxy, performs
// the hello exchange and answers every correlated request with canned data.
type Core struct {
	cfg *Config
	ca  *CA

	mu  sync.Mutex
	enc *json.Encoder
}

func NewCore(cfg *Config, ca *CA) *Core {
	return &Core{cfg: cfg, ca: ca}
}

// Run connects to the proxy and serves the relay stream until the connection
// drops or ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	pool := x509.NewCertPool()
	pool.AddCert(c.ca.cert)

	conn, err := tls.Dial("tcp", c.cfg.ProxyAddr, &tls.Config{
		RootCAs:    pool,
		ServerName: c.cfg.Hostname,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to proxy: %w", err)
	}
	defer conn.Close()

	session, err := yamux.Client(conn, nil)
	if err != nil {
		return fmt.Errorf("failed to start yamux: %w", err)
	}
	defer session.Close()

	stream, err := session.Open()
	if err != nil {
		return fmt.Errorf("failed to open relay stream: %w", err)
	}
	defer stream.Close()

	c.mu.Lock()
	c.enc = json.NewEncoder(stream)
	c.mu.Unlock()

	hello, err := protocol.NewFrame(0, protocol.TypeHello, protocol.Hello{
		Component: "core",
		Version:   c.cfg.Version,
	})
	if err != nil {
		return err
	}
	if err := c.write(hello); err != nil {
		return err
	}

	info, err := protocol.NewFrame(0, protocol.TypeInitialInfo, protocol.InitialInfo{
		CookieSecret: c.cfg.CookieSecret,
	})
	if err != nil {
		return err
	}
	if err := c.write(info); err != nil {
		return err
	}

	log.Printf("Connected to proxy at %s as core %s", c.cfg.ProxyAddr, c.cfg.Version)

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	dec := json.NewDecoder(stream)
	for {
		var f protocol.Frame
		if err := dec.Decode(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay stream closed: %w", err)
		}
		if f.Type == protocol.TypeCoreError {
			var ce protocol.CoreError
			_ = f.DecodeData(&ce)
			return fmt.Errorf("proxy refused connection: %d %s", ce.StatusCode, ce.Message)
		}
		if err := c.respond(f); err != nil {
			log.Printf("Failed to answer %s frame %d: %v", f.Type, f.ID, err)
		}
	}
}

// write serializes a frame onto the stream. The encoder is shared with timer
// goroutines, so writes are serialized.
func (c *Core) write(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return errors.New("not connected")
	}
	return c.enc.Encode(f)
}

// respond answers a request. Unknown types get a core_error so the proxy
// fails the waiting client instead of timing out.
func (c *Core) respond(f protocol.Frame) error {
	payload, err := c.answer(f)
	if errors.Is(err, errUnknownType) {
		log.Printf("Unknown request type %q, answering with core error", f.Type)
		return c.write(mustFrame(f.ID, protocol.TypeCoreError, protocol.CoreError{
			StatusCode: 400,
			Message:    fmt.Sprintf("unsupported request type %q", f.Type),
		}))
	}
	if err != nil {
		return err
	}
	resp, err := protocol.NewFrame(f.ID, f.Type, payload)
	if err != nil {
		return err
	}
	return c.write(resp)
}

var errUnknownType = errors.New("unknown request type")

func (c *Core) answer(f protocol.Frame) (any, error) {
	switch f.Type {
	case protocol.TypeEnrollmentStart:
		return protocol.EnrollmentStartResponse{
			DeadlineTimestamp: time.Now().Add(10 * time.Minute).Unix(),
			Username:          "demo",
			InstanceName:      c.cfg.InstanceName,
		}, nil
	case protocol.TypeActivateUser:
		return protocol.ActivateUserResponse{}, nil
	case protocol.TypeNewDevice, protocol.TypeExistingDevice:
		return protocol.DeviceConfig{
			DeviceName: "demo-device",
			Configs:    []string{"[Interface]\n# demo tunnel config\n"},
		}, nil
	case protocol.TypePasswordResetInit:
		return protocol.PasswordResetInitResponse{}, nil
	case protocol.TypePasswordResetStart:
		return protocol.PasswordResetStartResponse{
			DeadlineTimestamp: time.Now().Add(10 * time.Minute).Unix(),
		}, nil
	case protocol.TypePasswordReset:
		return protocol.PasswordResetResponse{}, nil
	case protocol.TypeClientMFAStart:
		return protocol.ClientMFAStartResponse{Token: randomToken()}, nil
	case protocol.TypeClientMFAFinish:
		return protocol.ClientMFAFinishResponse{PresharedKey: randomToken()}, nil
	case protocol.TypeClientMFAValidate:
		return protocol.ClientMFAValidateResponse{TokenValid: true}, nil
	case protocol.TypeClientMFARemoteWait:
		var wait protocol.ClientMFARemoteWait
		if err := f.DecodeData(&wait); err != nil {
			return nil, err
		}
		c.scheduleRemoteDone(wait.Token)
		return protocol.ClientMFARemoteWait{Token: wait.Token}, nil
	case protocol.TypeInstanceInfo:
		return protocol.InstanceInfoResponse{
			Name:           c.cfg.InstanceName,
			URL:            c.cfg.InstanceURL,
			EnterpriseMode: true,
		}, nil
	default:
		return nil, errUnknownType
	}
}

// scheduleRemoteDone completes a remote approval session after the configured
// delay, standing in for a user confirming on another device.
func (c *Core) scheduleRemoteDone(token string) {
	time.AfterFunc(c.cfg.RemoteApprovalDelay, func() {
		done := mustFrame(0, protocol.TypeClientMFARemoteDone, protocol.ClientMFARemoteDone{
			Token:        token,
			PresharedKey: randomToken(),
		})
		if err := c.write(done); err != nil {
			log.Printf("Failed to deliver remote approval for token %s: %v", token, err)
		}
	})
}

func mustFrame(id uint64, typ string, payload any) protocol.Frame {
	f, err := protocol.NewFrame(id, typ, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
