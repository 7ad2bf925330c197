package protocol

// Frame types for the relay stream. The response to a correlated request echoes
// the request's type; anything else a handler receives is a protocol mismatch.
const (
	// Control frames (ID 0, consumed by the relay loop).
	TypeHello               = "hello"
	TypeInitialInfo         = "initial_info"
	TypeClientMFARemoteDone = "client_mfa_remote_done"

	// Correlated operations.
	TypeEnrollmentStart     = "enrollment_start"
	TypeActivateUser        = "activate_user"
	TypeNewDevice           = "new_device"
	TypeExistingDevice      = "existing_device"
	TypePasswordResetInit   = "password_reset_init"
	TypePasswordResetStart  = "password_reset_start"
	TypePasswordReset       = "password_reset"
	TypeClientMFAStart      = "client_mfa_start"
	TypeClientMFAFinish     = "client_mfa_finish"
	TypeClientMFAValidate   = "client_mfa_token_validation"
	TypeClientMFARemoteWait = "client_mfa_remote_wait"
	TypeInstanceInfo        = "instance_info"

	// Distinguished error response.
	TypeCoreError = "core_error"
)

// Hello is the first message Core sends on a fresh relay connection. The version
// gate inspects it before the connection is admitted.
type Hello struct {
	Component string `json:"component"`
	Version   string `json:"version"`
}

// InitialInfo is delivered once per connection before any correlated traffic.
// The secret is used for private cookie encryption and must never surface as a
// normal response.
type InitialInfo struct {
	CookieSecret string `json:"cookie_secret"`
}

// CoreError is the distinguished failure payload returned by Core in place of a
// regular response.
type CoreError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

type EnrollmentStartRequest struct {
	Token string `json:"token"`
}

type EnrollmentStartResponse struct {
	DeadlineTimestamp int64  `json:"deadline_timestamp"`
	Username          string `json:"username,omitempty"`
	InstanceName      string `json:"instance_name,omitempty"`
}

type ActivateUserRequest struct {
	Password    string `json:"password"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type ActivateUserResponse struct{}

type NewDevice struct {
	Name   string `json:"name"`
	PubKey string `json:"pubkey"`
}

type ExistingDevice struct {
	PubKey string `json:"pubkey"`
}

// DeviceConfig is returned for both new and existing devices.
type DeviceConfig struct {
	DeviceName string   `json:"device_name"`
	Configs    []string `json:"configs,omitempty"`
}

type PasswordResetInitRequest struct {
	Email string `json:"email"`
}

type PasswordResetInitResponse struct{}

type PasswordResetStartRequest struct {
	Token string `json:"token"`
}

type PasswordResetStartResponse struct {
	DeadlineTimestamp int64 `json:"deadline_timestamp"`
}

type PasswordResetRequest struct {
	Password string `json:"password"`
}

type PasswordResetResponse struct{}

type ClientMFAStartRequest struct {
	Location string `json:"location"`
	PubKey   string `json:"pubkey"`
	Method   string `json:"method"`
}

type ClientMFAStartResponse struct {
	Token string `json:"token"`
}

type ClientMFAFinishRequest struct {
	Token string `json:"token"`
	Code  string `json:"code,omitempty"`
}

// ClientMFAFinishResponse carries the preshared key and, for approvals finished
// from a second device, the token of the session that is waiting for it.
type ClientMFAFinishResponse struct {
	PresharedKey string `json:"preshared_key"`
	Token        string `json:"token,omitempty"`
}

type ClientMFAValidateRequest struct {
	Token string `json:"token"`
}

type ClientMFAValidateResponse struct {
	TokenValid bool `json:"token_valid"`
}

// ClientMFARemoteWait announces that this proxy instance holds a waiter for the
// token and expects a completion event for it.
type ClientMFARemoteWait struct {
	Token string `json:"token"`
}

// ClientMFARemoteDone is the out-of-band completion event routed to the
// remote-approval bridge by the relay loop.
type ClientMFARemoteDone struct {
	Token        string `json:"token"`
	PresharedKey string `json:"preshared_key"`
}

type InstanceInfoRequest struct {
	Token string `json:"token,omitempty"`
}

type InstanceInfoResponse struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	EnterpriseMode bool   `json:"enterprise_mode"`
}
