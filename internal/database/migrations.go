package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"signsync/internal/documents"
)

const (
	migrationBackfillPageNumbers      = "2026-05-20_backfill_signature_page_numbers"
	migrationNormalizeSignatureStatus = "2026-06-11_normalize_signature_status_case"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillPageNumbers, apply: backfillSignaturePageNumbers},
		{name: migrationNormalizeSignatureStatus, apply: normalizeSignatureStatusCase},
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
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows imported from the legacy exporter carried page_number 0.
func backfillSignaturePageNumbers(db *gorm.DB) error {
	return db.Model(&documents.SignatureRecord{}).
		Where("page_number < 1").
		Update("page_number", 1).Error
}

// Early clients sent status in mixed case.
func normalizeSignatureStatusCase(db *gorm.DB) error {
	return db.Exec("UPDATE document_signatures SET status = lower(status);").Error
}
