package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/models"
)

// AuditEntry captures a single audit event to persist.
type AuditEntry struct {
	ActorUserID *string
	DeviceID    *string
	Type        string
	Payload     map[string]any
}

// AuditFilters encapsulates optional filters when querying audit records.
type AuditFilters struct {
	DeviceID string
	Type     string
	Limit    int
}

// AuditService persists and retrieves append-only audit records.
type AuditService struct {
	db *gorm.DB
}

// NewAuditService constructs an AuditService using the provided database handle.
func NewAuditService(db *gorm.DB) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}
	return &AuditService{db: db}, nil
}

// Log stores an audit record outside of any caller transaction.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry) error {
	return s.LogTx(s.db.WithContext(ensureContext(ctx)), entry)
}

// LogTx stores an audit record using the supplied handle. Mutating services
// pass their open transaction so the record commits or rolls back together
// with the state change it describes.
func (s *AuditService) LogTx(tx *gorm.DB, entry AuditEntry) error {
	if tx == nil {
		tx = s.db
	}

	record, err := buildAuditRecord(entry)
	if err != nil {
		return err
	}

	return tx.Create(record).Error
}

// List returns audit records matching the filters, newest first. Non-admin
// callers only see records of their own actions or of devices they own.
func (s *AuditService) List(ctx context.Context, caller *models.User, filters AuditFilters) ([]models.AuditRecord, error) {
	ctx = ensureContext(ctx)

	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := s.db.WithContext(ctx).Model(&models.AuditRecord{})
	if filters.DeviceID != "" {
		query = query.Where("device_id = ?", filters.DeviceID)
	}
	if filters.Type != "" {
		query = query.Where("type = ?", filters.Type)
	}

	if caller != nil && !caller.IsAdmin() {
		query = query.Where(
			"actor_user_id = ? OR device_id IN (?)",
			caller.ID,
			s.db.Model(&models.Device{}).Select("id").Where("owner_id = ?", caller.ID),
		)
	}

	var records []models.AuditRecord
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("audit service: list records: %w", err)
	}

	return records, nil
}

// CleanupOlderThan removes audit records older than the retention window (in days).
func (s *AuditService) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	ctx = ensureContext(ctx)

	if retentionDays <= 0 {
		return 0, errors.New("audit service: retentionDays must be positive")
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit service: cleanup records: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func buildAuditRecord(entry AuditEntry) (*models.AuditRecord, error) {
	if strings.TrimSpace(entry.Type) == "" {
		return nil, errors.New("audit service: type is required")
	}

	var payload datatypes.JSON
	if entry.Payload != nil {
		encoded, err := json.Marshal(entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("audit service: marshal payload: %w", err)
		}
		payload = datatypes.JSON(encoded)
	}

	record := &models.AuditRecord{
		Type:    strings.TrimSpace(entry.Type),
		Payload: payload,
	}

	if entry.ActorUserID != nil && strings.TrimSpace(*entry.ActorUserID) != "" {
		id := strings.TrimSpace(*entry.ActorUserID)
		record.ActorUserID = &id
	}
	if entry.DeviceID != nil && strings.TrimSpace(*entry.DeviceID) != "" {
		id := strings.TrimSpace(*entry.DeviceID)
		record.DeviceID = &id
	}

	return record, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
