package models

import (
	"gorm.io/gorm"
)

// OperationRecord is the audit trail entry for one relayed operation.
type OperationRecord struct {
	gorm.Model
	OpType     string `gorm:"index"`
	DurationMs int64
	// ErrorKind is empty for successful operations, otherwise a short
	// classification ("timeout", "unauthorized", ...).
	ErrorKind string `gorm:"index"`
}

// ProvisioningEvent records one provisioning handshake attempt.
type ProvisioningEvent struct {
	gorm.Model
	Hostname string
	Outcome  string // success, failure, rejected
	Detail   string
}
