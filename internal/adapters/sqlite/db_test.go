package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/records"
)

func TestOpen_FileUsesWALAndBusyTimeout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gsd.db")
	db, err := OpenWithOptions(ctx, path, Options{BusyTimeout: 2 * time.Second, WAL: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = db.Close() }()

	var mode string
	if err := db.SQL.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode: want wal, got %q", mode)
	}
	var busy int
	if err := db.SQL.QueryRowContext(ctx, `PRAGMA busy_timeout`).Scan(&busy); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if busy != 2000 {
		t.Fatalf("busy_timeout: want 2000, got %d", busy)
	}
}

func TestOpen_RecordsVersionsAndReopens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gsd.db")
	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := db.RecordVersions(ctx)
	if err != nil {
		t.Fatalf("RecordVersions: %v", err)
	}
	want := map[string]int{
		"subscription": records.SubscriptionVersion,
		"container":    records.ContainerVersion,
		"settings":     records.SettingsVersion,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: want v%d, got v%d", k, v, got[k])
		}
	}
	_ = db.Close()

	// Migrations déjà appliquées: rien n'est rejoué.
	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = db.Close()
}

func TestOpen_RefusesNewerRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gsd.db")
	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := db.SQL.ExecContext(ctx, `
		INSERT INTO subscriptions(name, version, record, created_at, updated_at)
		VALUES('future', ?, '{}', '', '')
	`, records.SubscriptionVersion+1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = db.Close()

	_, err = Open(ctx, path)
	if !errors.Is(err, records.ErrUnsupportedVersion) {
		t.Fatalf("want ErrUnsupportedVersion, got %v", err)
	}
}

func TestExtractUp(t *testing.T) {
	sqlText := "-- +migrate Up\nCREATE TABLE a (x);\n\n-- +migrate Down\nDROP TABLE a;\n"
	if got := extractUp(sqlText); got != "CREATE TABLE a (x);\n" {
		t.Fatalf("extractUp: %q", got)
	}
}
