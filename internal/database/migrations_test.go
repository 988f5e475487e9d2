package database

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/documents"
)

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		t.Fatalf("expected missing path to be rejected")
	}
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	dsn := fmt.Sprintf("file:quill_db_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	for _, table := range []string{"documents", "document_updates", "document_grants", "user_identities", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s after migration", table)
		}
	}
}

func TestBackfillMetadataBlobsRepairsEmptyRows(t *testing.T) {
	dsn := fmt.Sprintf("file:quill_backfill_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	now := time.Now().UTC().Unix()
	broken := documents.Document{
		DocumentID:       "doc-legacy",
		OwnerID:          "user-owner",
		DocumentType:     documents.DocumentTypeNote.String(),
		MetadataJSON:     "",
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := db.Create(&broken).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := backfillMetadataBlobs(db); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	var repaired documents.Document
	if err := db.Where("document_id = ?", "doc-legacy").Take(&repaired).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if repaired.MetadataJSON != "{}" {
		t.Fatalf("expected repaired metadata blob, got %q", repaired.MetadataJSON)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	dsn := fmt.Sprintf("file:quill_migrate_once_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("repeat apply failed: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Where("name = ?", migrationBackfillMetadataBlobs).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one migration record, got %d", count)
	}
}
