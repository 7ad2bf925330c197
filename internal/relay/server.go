package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"coreproxy/internal/sentry"
)

// Server accepts the Core dial-in for the main relay. Each accepted connection
// is wrapped in a yamux session and its control stream is handed to the
// Relay's loop. Reconnection is driven by Core dialing in again.
type Server struct {
	Relay     *Relay
	Addr      string
	TLSConfig *tls.Config

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewServer(addr string, relay *Relay, tlsConfig *tls.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Relay:     relay,
		Addr:      addr,
		TLSConfig: tlsConfig,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Server) Start() error {
	var err error

	if s.TLSConfig != nil {
		s.listener, err = tls.Listen("tcp", s.Addr, s.TLSConfig)
	} else {
		s.listener, err = net.Listen("tcp", s.Addr)
	}
	if err != nil {
		return err
	}

	log.Printf("Relay listening on %s (TLS=%v)", s.Addr, s.TLSConfig != nil)

	for {
		select {
		case <-s.ctx.Done():
			log.Println("Relay: shutdown signal received, stopping accept loop")
			return nil
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				log.Println("Relay: listener closed during shutdown")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Printf("Temporary accept error: %v, retrying...", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			log.Printf("Failed to accept relay connection: %v", err)
			return err
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Panic recovered in relay connection handler: %v", r)
				}
			}()
			s.handleConnection(c)
		}(conn)
	}
}

// Shutdown gracefully stops the server: close the listener, then wait for
// active connections bounded by the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Relay: initiating shutdown...")
	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			log.Printf("Error closing relay listener: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Relay: all connections closed gracefully")
		return nil
	case <-ctx.Done():
		log.Println("Relay: shutdown timeout, forcing close")
		return ctx.Err()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	log.Printf("New relay connection from %s", addr)

	session, err := yamux.Server(conn, nil)
	if err != nil {
		log.Printf("Failed to create yamux session for %s: %v", addr, err)
		return
	}
	defer session.Close()

	// Core opens exactly one control stream carrying all correlated traffic.
	stream, err := session.Accept()
	if err != nil {
		log.Printf("Failed to accept relay stream from %s: %v", addr, err)
		return
	}
	defer stream.Close()

	if err := s.Relay.ServeStream(stream, addr); err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedVersion), errors.Is(err, ErrAlreadyConnected):
			log.Printf("Refused relay connection from %s: %v", addr, err)
		default:
			sentry.CaptureError(err, "Relay connection ended with error")
		}
	}
	log.Printf("Core disconnected: %s", addr)
}
