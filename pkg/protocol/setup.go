package protocol

// Message types for the provisioning sub-protocol. It runs on a dedicated
// temporary listener and is retired once transport credentials exist.
const (
	TypeInitialSetupInfo = "initial_setup_info"
	TypeCsrRequest       = "csr_request"
	TypeCertResponse     = "cert_response"
	TypeDone             = "done"
	TypeSetupError       = "setup_error"
)

// SetupMessage is one step of the provisioning handshake. After the first
// message from Core, every subsequent Core message must carry the bearer token
// issued in the CsrRequest reply.
type SetupMessage struct {
	Type          string `json:"type"`
	Authorization string `json:"authorization,omitempty"`
	Hostname      string `json:"cert_hostname,omitempty"`
	SessionToken  string `json:"session_token,omitempty"`
	CsrDer        []byte `json:"csr_der,omitempty"`
	CertDer       []byte `json:"cert_der,omitempty"`
	Error         string `json:"error,omitempty"`
}
