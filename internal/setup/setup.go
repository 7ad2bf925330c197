// Package setup implements the one-time provisioning handshake that
// establishes transport trust with Core before the main relay may run.
package setup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"

	"coreproxy/internal/obs"
	"coreproxy/internal/sentry"
	"coreproxy/pkg/protocol"
)

// ErrSetupInProgress is returned to a concurrent provisioning attempt while
// one is active. Attempts are rejected outright, never queued.
var ErrSetupInProgress = errors.New("provisioning already in progress")

// defaultSessionTimeout bounds a single provisioning session end to end. A
// stalled peer must not keep the single-flight flag set past this.
const defaultSessionTimeout = time.Minute

// Server drives provisioning sessions over a dedicated temporary listener.
// Single-flight: the in-progress flag is set with a compare-and-swap and is
// cleared on every exit path, success or failure.
type Server struct {
	inProgress     atomic.Bool
	existing       *Configuration
	sessionTimeout time.Duration
}

// NewServer creates a provisioning server. existing may carry already valid
// credentials, in which case a session short-circuits to done.
func NewServer(existing *Configuration) *Server {
	return &Server{existing: existing, sessionTimeout: defaultSessionTimeout}
}

// AwaitSetup listens on addr until one provisioning session completes
// successfully, and returns the resulting Configuration. Failed sessions are
// logged and the listener keeps waiting for Core to try again.
func (s *Server) AwaitSetup(ctx context.Context, addr string) (*Configuration, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	log.Printf("Waiting for setup connection from Core on %s", addr)

	results := make(chan *Configuration, 1)
	var wg sync.WaitGroup
	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-acceptCtx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if acceptCtx.Err() != nil {
					return
				}
				log.Printf("Setup accept error: %v", err)
				return
			}
			wg.Add(1)
			go func(c net.Conn) {
				defer wg.Done()
				defer c.Close()
				cfg, err := s.handleConn(c)
				if err != nil {
					if !errors.Is(err, ErrSetupInProgress) {
						sentry.CaptureError(err, "Provisioning session failed")
					}
					return
				}
				select {
				case results <- cfg:
				default:
					// A session already succeeded; this one is redundant.
				}
			}(conn)
		}
	}()

	select {
	case cfg := <-results:
		cancel()
		wg.Wait()
		log.Printf("Provisioning completed, setup listener on %s shut down", addr)
		return cfg, nil
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return nil, ctx.Err()
	}
}

func (s *Server) handleConn(conn net.Conn) (*Configuration, error) {
	session, err := yamux.Server(conn, nil)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	stream, err := session.Accept()
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.SetDeadline(time.Now().Add(s.sessionTimeout)); err != nil {
		return nil, err
	}
	return s.Handshake(stream)
}

// Handshake runs a single provisioning session over rw:
// AwaitingInitialInfo -> CsrSent -> AwaitingCertificate -> Done.
// Any failure aborts the session and clears the in-progress flag.
func (s *Server) Handshake(rw io.ReadWriter) (*Configuration, error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		writeSetup(rw, protocol.SetupMessage{Type: protocol.TypeSetupError, Error: "setup already in progress"})
		obs.SetupAttemptsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrSetupInProgress
	}
	// The deferred store is the only place the flag is cleared, so no failure
	// path can leave a stale in-progress state behind.
	defer s.inProgress.Store(false)

	cfg, err := s.run(rw)
	if err != nil {
		obs.SetupAttemptsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	obs.SetupAttemptsTotal.WithLabelValues("success").Inc()
	return cfg, nil
}

func (s *Server) run(rw io.ReadWriter) (*Configuration, error) {
	dec := json.NewDecoder(rw)

	var first protocol.SetupMessage
	if err := dec.Decode(&first); err != nil {
		return nil, fmt.Errorf("no initial message from core: %w", err)
	}

	switch first.Type {
	case protocol.TypeDone:
		// Core indicates setup should be skipped; only valid when we already
		// hold credentials.
		if s.existing == nil {
			err := errors.New("core skipped setup but no credentials exist")
			writeSetup(rw, protocol.SetupMessage{Type: protocol.TypeSetupError, Error: err.Error()})
			return nil, err
		}
		writeSetup(rw, protocol.SetupMessage{Type: protocol.TypeDone})
		return s.existing, nil
	case protocol.TypeInitialSetupInfo:
		// Proceed below.
	default:
		err := fmt.Errorf("unexpected payload type in initial message: %s", first.Type)
		writeSetup(rw, protocol.SetupMessage{Type: protocol.TypeSetupError, Error: err.Error()})
		return nil, err
	}

	log.Printf("Received initial setup info from Core (hostname %s)", first.Hostname)

	if s.existing != nil {
		log.Println("Transport credentials already exist, skipping CSR generation")
		writeSetup(rw, protocol.SetupMessage{Type: protocol.TypeDone})
		return s.existing, nil
	}

	key, err := generateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	csrDer, err := buildCSR(key, first.Hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CSR: %w", err)
	}
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}

	if err := writeSetup(rw, protocol.SetupMessage{
		Type:         protocol.TypeCsrRequest,
		CsrDer:       csrDer,
		SessionToken: token,
	}); err != nil {
		return nil, fmt.Errorf("failed to send CSR request: %w", err)
	}
	log.Println("Sent CSR request to Core")

	// AwaitingCertificate. Every Core message from here on must carry the
	// session token issued above.
	var msg protocol.SetupMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("stream closed while waiting for certificate: %w", err)
	}
	if msg.Authorization != token {
		err := errors.New("setup message carries invalid session credential")
		writeSetup(rw, protocol.SetupMessage{Type: protocol.TypeSetupError, Error: err.Error()})
		return nil, err
	}
	if msg.Type != protocol.TypeCertResponse {
		err := fmt.Errorf("unexpected payload type while waiting for certificate: %s", msg.Type)
		writeSetup(rw, protocol.SetupMessage{Type: protocol.TypeSetupError, Error: err.Error()})
		return nil, err
	}

	certText, err := certPEM(msg.CertDer)
	if err != nil {
		return nil, err
	}
	keyText, err := keyPEM(key)
	if err != nil {
		return nil, err
	}
	cfg := &Configuration{CertPEM: certText, KeyPEM: keyText}

	if err := writeSetup(rw, protocol.SetupMessage{Type: protocol.TypeDone}); err != nil {
		return nil, fmt.Errorf("failed to send done: %w", err)
	}
	log.Println("Provisioning handshake completed")
	return cfg, nil
}

func writeSetup(w io.Writer, msg protocol.SetupMessage) error {
	return json.NewEncoder(w).Encode(msg)
}
