package coresim

import (
	"encoding/json"
	"fmt"
	"log"
	"net"

	"github.com/hashicorp/yamux"

	"coreproxy/pkg/protocol"
)

// Provision runs the provisioning handshake against the proxy: it presents the
// hostname, signs the returned CSR with the throwaway CA and delivers the
// certificate. Returns nil as well when the proxy reports it is already
// provisioned.
func Provision(cfg *Config, ca *CA) error {
	conn, err := net.Dial("tcp", cfg.ProxyAddr)
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
		return fmt.Errorf("failed to open setup stream: %w", err)
	}
	defer stream.Close()

	enc := json.NewEncoder(stream)
	dec := json.NewDecoder(stream)

	if err := enc.Encode(protocol.SetupMessage{
		Type:     protocol.TypeInitialSetupInfo,
		Hostname: cfg.Hostname,
	}); err != nil {
		return err
	}

	var reply protocol.SetupMessage
	if err := dec.Decode(&reply); err != nil {
		return fmt.Errorf("no reply to setup info: %w", err)
	}

	switch reply.Type {
	case protocol.TypeDone:
		log.Println("Proxy already provisioned, nothing to do")
		return nil
	case protocol.TypeCsrRequest:
		// Proceed below.
	case protocol.TypeSetupError:
		return fmt.Errorf("proxy rejected setup: %s", reply.Error)
	default:
		return fmt.Errorf("unexpected setup reply: %s", reply.Type)
	}

	certDer, err := ca.SignCSR(reply.CsrDer)
	if err != nil {
		return err
	}

	if err := enc.Encode(protocol.SetupMessage{
		Type:          protocol.TypeCertResponse,
		Authorization: reply.SessionToken,
		CertDer:       certDer,
	}); err != nil {
		return err
	}

	var done protocol.SetupMessage
	if err := dec.Decode(&done); err != nil {
		return fmt.Errorf("stream closed before done: %w", err)
	}
	if done.Type == protocol.TypeSetupError {
		return fmt.Errorf("proxy rejected certificate: %s", done.Error)
	}
	if done.Type != protocol.TypeDone {
		return fmt.Errorf("unexpected setup reply: %s", done.Type)
	}

	log.Println("Provisioning completed")
	return nil
}
