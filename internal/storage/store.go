package storage

import (
	"time"

	"coreproxy/internal/models"
)

// Store defines the interface for audit persistence. Keeping it small allows
// mock implementations in tests and alternative backends later.
type Store interface {
	RecordOperation(opType string, duration time.Duration, errKind string)
	RecordProvisioning(hostname, outcome, detail string) error

	RecentOperations(limit int) ([]models.OperationRecord, error)
	OperationStats() (total int64, failed int64, err error)

	Close() error
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
