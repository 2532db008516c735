package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeDB(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "backup.db")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func testRoundTrip(t *testing.T, ext string) {
	t.Helper()
	dbPath := writeDB(t, 3000)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "snap"+ext)

	info := Info{
		SessionID: "test-session",
		Source:    "src.db",
		PageSize:  512,
		PageCount: 6,
	}
	manifest := []byte(`{"pages":[]}`)
	if err := WriteSnapshot(archivePath, info, dbPath, manifest); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}

	got, err := ReadInfo(archivePath)
	if err != nil {
		t.Fatalf("ReadInfo() error = %v", err)
	}
	if got.SessionID != "test-session" || got.PageSize != 512 || got.PageCount != 6 {
		t.Errorf("ReadInfo() = %+v, want fields from %+v", got, info)
	}
	if got.Database != "backup.db" {
		t.Errorf("Database = %q, want %q", got.Database, "backup.db")
	}
	if got.CreatedAt == "" {
		t.Error("CreatedAt not set")
	}

	m, err := ReadFile(archivePath, ManifestFileName)
	if err != nil {
		t.Fatalf("ReadFile(manifest) error = %v", err)
	}
	if !bytes.Equal(m, manifest) {
		t.Errorf("manifest = %q, want %q", m, manifest)
	}

	extracted := filepath.Join(dir, "restored.db")
	if err := ExtractDatabase(archivePath, extracted); err != nil {
		t.Fatalf("ExtractDatabase() error = %v", err)
	}
	want, _ := os.ReadFile(dbPath)
	gotData, err := os.ReadFile(extracted)
	if err != nil {
		t.Fatalf("ReadFile(extracted) error = %v", err)
	}
	if !bytes.Equal(gotData, want) {
		t.Error("extracted database does not match original")
	}
}

func TestSnapshotRoundTripGzip(t *testing.T) {
	testRoundTrip(t, ".snapshot.tar.gz")
}

func TestSnapshotRoundTripXz(t *testing.T) {
	testRoundTrip(t, ".snapshot.tar.xz")
}

func TestWriteSnapshotUnsupportedFormat(t *testing.T) {
	dbPath := writeDB(t, 100)
	err := WriteSnapshot(filepath.Join(t.TempDir(), "snap.zip"), Info{}, dbPath, nil)
	if err == nil {
		t.Error("WriteSnapshot() with .zip succeeded, want error")
	}
}

func TestReadFileMissing(t *testing.T) {
	dbPath := writeDB(t, 100)
	archivePath := filepath.Join(t.TempDir(), "snap.tar.gz")
	if err := WriteSnapshot(archivePath, Info{}, dbPath, nil); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	if _, err := ReadFile(archivePath, "no-such-entry"); err == nil {
		t.Error("ReadFile(missing) succeeded, want error")
	}
	// No manifest was supplied, so the entry must be absent.
	if _, err := ReadFile(archivePath, ManifestFileName); err == nil {
		t.Error("ReadFile(manifest) succeeded, want error")
	}
}

func TestSnapshotID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"nightly.snapshot.tar.xz", "nightly"},
		{"nightly.snapshot.tar.gz", "nightly"},
		{"plain.tar.gz", "plain"},
		{"plain.tar", "plain"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		if got := SnapshotID(tt.in); got != tt.want {
			t.Errorf("SnapshotID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a.tar.xz", "tar.xz"},
		{"a.tar.gz", "tar.gz"},
		{"a.tar", "tar"},
		{"a.zip", "unknown"},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.in); got != tt.want {
			t.Errorf("DetectFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if IsSupportedFormat("a.zip") {
		t.Error("IsSupportedFormat(.zip) = true, want false")
	}
	if !IsSupportedFormat("a.tar.xz") {
		t.Error("IsSupportedFormat(.tar.xz) = false, want true")
	}
}
