// Package journal keeps a diagnostic log of mutation lifecycle transitions.
// It stores metadata only; entity payloads never reach the journal.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tradewind/internal/mutation"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// MemoryDSN keeps the journal in process memory.
	MemoryDSN    = ":memory:"
	defaultLimit = 50
	maxLimit     = 1000
)

// ErrMissingDSN indicates that Open was called without a data source.
var ErrMissingDSN = errors.New("journal: dsn is required")

// MutationRecord is one persisted lifecycle transition.
type MutationRecord struct {
	ID               uint   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	MutationID       string `gorm:"column:mutation_id;size:190;not null;index" json:"mutationId"`
	Kind             string `gorm:"column:kind;size:32;not null" json:"kind"`
	TargetKind       string `gorm:"column:target_kind;size:32;not null" json:"targetKind"`
	TargetID         string `gorm:"column:target_id;size:190;not null;index" json:"targetId"`
	Status           string `gorm:"column:status;size:16;not null" json:"status"`
	Source           string `gorm:"column:source;size:16;not null" json:"source"`
	ErrorCode        string `gorm:"column:error_code;size:64" json:"errorCode,omitempty"`
	ErrorMessage     string `gorm:"column:error_message;size:512" json:"error,omitempty"`
	SubmittedAtMilli int64  `gorm:"column:submitted_at_ms;not null" json:"submittedAtMs"`
	RecordedAtMilli  int64  `gorm:"column:recorded_at_ms;not null" json:"recordedAtMs"`
	LatencyMilli     int64  `gorm:"column:latency_ms;not null;default:0" json:"latencyMs"`
}

func (MutationRecord) TableName() string {
	return "mutation_journal"
}

// Journal implements mutation.Recorder on SQLite through GORM.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to dsn and migrates the schema. Use MemoryDSN for a
// process-local journal.
func Open(dsn string, log *zap.Logger) (*Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrMissingDSN
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection keeps an in-memory database alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&MutationRecord{}, &migrationRecord{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	if err := applyMigrations(db, log); err != nil {
		return nil, fmt.Errorf("journal: apply migrations: %w", err)
	}

	log.Info("mutation journal initialized", zap.String("dsn", dsn))
	return &Journal{db: db, logger: log}, nil
}

// Record persists one transition.
func (j *Journal) Record(ctx context.Context, transition mutation.Transition) error {
	row := MutationRecord{
		MutationID:       transition.MutationID,
		Kind:             transition.Kind.String(),
		TargetKind:       transition.Target.Kind.String(),
		TargetID:         transition.Target.ID.String(),
		Status:           string(transition.Status),
		Source:           string(transition.Source),
		ErrorCode:        transition.ErrorCode,
		ErrorMessage:     truncate(transition.Error, 512),
		SubmittedAtMilli: transition.SubmittedAt.UTC().UnixMilli(),
		RecordedAtMilli:  transition.At.UTC().UnixMilli(),
	}
	if transition.Status != mutation.StatusPending {
		row.LatencyMilli = transition.At.Sub(transition.SubmittedAt).Milliseconds()
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("journal: record %s: %w", transition.MutationID, err)
	}
	return nil
}

// Recent returns the latest records, newest first. A limit of zero or less
// selects the default.
func (j *Journal) Recent(ctx context.Context, limit int) ([]MutationRecord, error) {
	if limit <= 0 {
		limit = defaultLimit
	} else if limit > maxLimit {
		limit = maxLimit
	}
	var rows []MutationRecord
	if err := j.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return rows, nil
}

// History returns every record of one mutation in the order recorded.
func (j *Journal) History(ctx context.Context, mutationID string) ([]MutationRecord, error) {
	var rows []MutationRecord
	if err := j.db.WithContext(ctx).Where("mutation_id = ?", mutationID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: history: %w", err)
	}
	return rows, nil
}

// Close releases the database connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
