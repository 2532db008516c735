package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FocuswithJustin/pagecache/core/pager"
	"github.com/FocuswithJustin/pagecache/internal/archive"
)

// makeDB creates a small database with recognizable page content.
func makeDB(t *testing.T, dir string, nPages int) string {
	t.Helper()
	path := filepath.Join(dir, "source.db")
	p, err := pager.Open(path, pager.Options{PageSize: 512})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer p.Close()
	for i := 1; i <= nPages; i++ {
		pg, err := p.Get(pager.Pgno(i))
		if err != nil {
			t.Fatalf("Get(%d) error = %v", i, err)
		}
		if err := p.Write(pg); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
		start := 0
		if i == 1 {
			start = pager.HeaderSize
		}
		for j := start; j < len(pg.Data); j++ {
			pg.Data[j] = byte(i)
		}
		p.Unref(pg)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return path
}

func TestBackupCommand(t *testing.T) {
	dir := t.TempDir()
	src := makeDB(t, dir, 10)
	dest := filepath.Join(dir, "copy.db")

	cmd := &BackupCmd{
		Src: src, Dest: dest,
		StepPages: 3, Backoff: 10 * time.Millisecond,
		Manifest: true, Verify: true,
	}
	if err := cmd.Run(); err != nil {
		t.Fatalf("BackupCmd.Run() error = %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("destination not created: %v", err)
	}
	if _, err := os.Stat(dest + ".manifest.json"); err != nil {
		t.Errorf("manifest not created: %v", err)
	}

	verify := &VerifyCmd{Src: src, Dest: dest}
	if err := verify.Run(); err != nil {
		t.Errorf("VerifyCmd.Run() error = %v", err)
	}
}

func TestBackupCommandCompressAndJSON(t *testing.T) {
	dir := t.TempDir()
	src := makeDB(t, dir, 5)
	dest := filepath.Join(dir, "copy.db")

	cmd := &BackupCmd{
		Src: src, Dest: dest,
		StepPages: 64, Backoff: 10 * time.Millisecond,
		Compress: true, JSON: true,
		CachePages: 8, MaxPage: 100,
	}
	if err := cmd.Run(); err != nil {
		t.Fatalf("BackupCmd.Run() error = %v", err)
	}
	arc := dest + ".snapshot.tar.xz"
	if _, err := os.Stat(arc); err != nil {
		t.Fatalf("snapshot not created: %v", err)
	}
	info, err := archive.ReadInfo(arc)
	if err != nil {
		t.Fatalf("ReadInfo() error = %v", err)
	}
	if info.PageCount != 5 {
		t.Errorf("snapshot PageCount = %d, want 5", info.PageCount)
	}
}

func TestVerifyCommandDetectsDifference(t *testing.T) {
	dir := t.TempDir()
	src := makeDB(t, dir, 4)
	dest := filepath.Join(dir, "copy.db")
	cmd := &BackupCmd{Src: src, Dest: dest, StepPages: 64, Backoff: 10 * time.Millisecond}
	if err := cmd.Run(); err != nil {
		t.Fatalf("BackupCmd.Run() error = %v", err)
	}

	// Corrupt a byte in page 3 of the copy.
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	data[2*512+10] ^= 0xFF
	if err := os.WriteFile(dest, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := (&VerifyCmd{Src: src, Dest: dest}).Run(); err == nil {
		t.Error("VerifyCmd.Run() on corrupted copy succeeded, want error")
	}
}

func TestManifestCommands(t *testing.T) {
	dir := t.TempDir()
	db := makeDB(t, dir, 4)
	out := filepath.Join(dir, "m.json")

	if err := (&ManifestWriteCmd{Db: db, Out: out}).Run(); err != nil {
		t.Fatalf("ManifestWriteCmd.Run() error = %v", err)
	}
	if err := (&ManifestCheckCmd{Db: db, Manifest: out}).Run(); err != nil {
		t.Fatalf("ManifestCheckCmd.Run() error = %v", err)
	}

	// Corrupt a byte in page 2 and expect the check to fail.
	data, err := os.ReadFile(db)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	data[512+10] ^= 0xFF
	if err := os.WriteFile(db, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := (&ManifestCheckCmd{Db: db, Manifest: out}).Run(); err == nil {
		t.Error("ManifestCheckCmd.Run() on corrupted file succeeded, want error")
	}
}

func TestSnapshotAndRestoreCommands(t *testing.T) {
	dir := t.TempDir()
	src := makeDB(t, dir, 6)
	arc := filepath.Join(dir, "snap.tar.gz")

	if err := (&SnapshotCmd{Src: src, Out: arc}).Run(); err != nil {
		t.Fatalf("SnapshotCmd.Run() error = %v", err)
	}
	if _, err := os.Stat(arc); err != nil {
		t.Fatalf("archive not created: %v", err)
	}

	restored := filepath.Join(dir, "restored.db")
	if err := (&RestoreCmd{Archive: arc, Out: restored, Verify: true}).Run(); err != nil {
		t.Fatalf("RestoreCmd.Run() error = %v", err)
	}

	p, err := pager.Open(restored, pager.Options{})
	if err != nil {
		t.Fatalf("Open(restored) error = %v", err)
	}
	defer p.Close()
	if got := p.PageCount(); got != 6 {
		t.Errorf("restored PageCount() = %d, want 6", got)
	}
}

func TestSnapshotRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	src := makeDB(t, dir, 2)
	err := (&SnapshotCmd{Src: src, Out: filepath.Join(dir, "snap.zip")}).Run()
	if err == nil {
		t.Error("SnapshotCmd.Run() with .zip succeeded, want error")
	}
}

func TestStatsCommand(t *testing.T) {
	dir := t.TempDir()
	db := makeDB(t, dir, 5)

	if err := (&StatsCmd{Db: db, Warm: true}).Run(); err != nil {
		t.Errorf("StatsCmd.Run() error = %v", err)
	}
	if err := (&StatsCmd{Db: db, JSON: true}).Run(); err != nil {
		t.Errorf("StatsCmd.Run() JSON error = %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	if err := (&VersionCmd{}).Run(); err != nil {
		t.Errorf("VersionCmd.Run() error = %v", err)
	}
}
