package backup

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/pagecache/core/pager"
	"github.com/FocuswithJustin/pagecache/core/sqlite"
)

// TestBackupOfRealDatabase copies a database produced by an actual SQLite
// engine and verifies the copy opens and queries cleanly.
func TestBackupOfRealDatabase(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "real.db")

	db, err := sqlite.Open(srcPath)
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("CREATE TABLE error = %v", err)
	}
	for i := 0; i < 100; i++ {
		if _, err := db.Exec(`INSERT INTO kv (k, v) VALUES (?, ?)`,
			fmt.Sprintf("key%03d", i), fmt.Sprintf("value%03d", i)); err != nil {
			t.Fatalf("INSERT error = %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("db.Close() error = %v", err)
	}

	src, err := pager.Open(srcPath, pager.Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("pager.Open() error = %v", err)
	}
	defer src.Close()

	copyPath := filepath.Join(dir, "copy.db")
	if err := CopyFile(src, copyPath); err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}

	cp, err := sqlite.Open(copyPath)
	if err != nil {
		t.Fatalf("sqlite.Open(copy) error = %v", err)
	}
	defer cp.Close()

	var n int
	if err := cp.QueryRow(`SELECT count(*) FROM kv`).Scan(&n); err != nil {
		t.Fatalf("SELECT count error = %v", err)
	}
	if n != 100 {
		t.Errorf("row count = %d, want 100", n)
	}
	var ok string
	if err := cp.QueryRow(`PRAGMA integrity_check`).Scan(&ok); err != nil {
		t.Fatalf("integrity_check error = %v", err)
	}
	if ok != "ok" {
		t.Errorf("integrity_check = %q, want \"ok\"", ok)
	}
}
