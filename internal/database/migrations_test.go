package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/flowroom/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsTrimsDisplayNames(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&users.Identity{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	identity := users.Identity{
		Provider:    "default",
		Subject:     "curator-1",
		UserID:      "curator-1",
		DisplayName: "  Head Curator ",
	}
	if err := database.Create(&identity).Error; err != nil {
		testContext.Fatalf("failed to insert identity: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored users.Identity
	if err := database.Where("provider = ? AND subject = ?", "default", "curator-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload identity: %v", err)
	}
	if stored.DisplayName != "Head Curator" {
		testContext.Fatalf("expected trimmed display name, got %q", stored.DisplayName)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationTrimIdentityDisplayNames).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("re-applying migrations must be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "flowroom.db")
	database, err := OpenSQLite(databasePath, nil)
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	if !database.Migrator().HasTable(&users.Identity{}) {
		testContext.Fatalf("expected identity table")
	}
	if !database.Migrator().HasTable(&migrationRecord{}) {
		testContext.Fatalf("expected migrations table")
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
