package storage

import (
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coreproxy/internal/models"
)

// SQLiteStore is the gorm-backed audit store.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// audit tables.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&models.OperationRecord{}, &models.ProvisioningEvent{}); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// RecordOperation persists the audit entry for one relayed operation.
// Failures are logged, not propagated: auditing must never fail a relay call.
func (s *SQLiteStore) RecordOperation(opType string, duration time.Duration, errKind string) {
	rec := models.OperationRecord{
		OpType:     opType,
		DurationMs: duration.Milliseconds(),
		ErrorKind:  errKind,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		log.Printf("Failed to record operation audit entry: %v", err)
	}
}

// RecordProvisioning persists one provisioning handshake attempt.
func (s *SQLiteStore) RecordProvisioning(hostname, outcome, detail string) error {
	return s.db.Create(&models.ProvisioningEvent{
		Hostname: hostname,
		Outcome:  outcome,
		Detail:   detail,
	}).Error
}

// RecentOperations returns the newest audit entries, most recent first.
func (s *SQLiteStore) RecentOperations(limit int) ([]models.OperationRecord, error) {
	var recs []models.OperationRecord
	err := s.db.Order("id desc").Limit(limit).Find(&recs).Error
	return recs, err
}

// OperationStats returns total and failed relayed-operation counts.
func (s *SQLiteStore) OperationStats() (int64, int64, error) {
	var total, failed int64
	if err := s.db.Model(&models.OperationRecord{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err := s.db.Model(&models.OperationRecord{}).Where("error_kind <> ''").Count(&failed).Error; err != nil {
		return 0, 0, err
	}
	return total, failed, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
