package journal

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillLatency = "2026-09-01_backfill_mutation_latency"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "journal_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillLatency, apply: backfillLatency},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("journal migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillLatency fills latency for resolved rows written before latency was tracked.
func backfillLatency(db *gorm.DB) error {
	return db.Model(&MutationRecord{}).
		Where("latency_ms = 0 AND status <> ? AND recorded_at_ms > submitted_at_ms", "pending").
		Update("latency_ms", gorm.Expr("recorded_at_ms - submitted_at_ms")).Error
}
