package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"signsync/internal/documents"
)

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&documents.SignatureRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := documents.SignatureRecord{
		ID:         "sig-1",
		DocumentID: "doc-1",
		SignerID:   "user-1",
		PageNumber: 3,
		Status:     "Draft",
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy row: %v", err)
	}
	if err := database.Model(&documents.SignatureRecord{}).
		Where("id = ?", legacy.ID).
		Update("page_number", 0).Error; err != nil {
		testContext.Fatalf("failed to zero page number: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored documents.SignatureRecord
	if err := database.Where("id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.PageNumber != 1 {
		testContext.Fatalf("expected page number backfilled to 1, got %d", stored.PageNumber)
	}
	if stored.Status != documents.SignatureDraft {
		testContext.Fatalf("expected lowercased status, got %q", stored.Status)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillPageNumbers).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected missing path to fail")
	}
}
