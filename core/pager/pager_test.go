package pager

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	errs "github.com/FocuswithJustin/pagecache/core/errors"
)

func newTestPager(t *testing.T, opts Options) (*Pager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, path
}

// fillPage writes recognizable content into a page, leaving the header
// region of page 1 alone.
func fillPage(data []byte, b byte) {
	for i := HeaderSize; i < len(data); i++ {
		data[i] = b
	}
}

func TestOpenNewDatabase(t *testing.T) {
	p, _ := newTestPager(t, Options{})
	if got := p.PageSize(); got != DefaultPageSize {
		t.Errorf("PageSize() = %d, want %d", got, DefaultPageSize)
	}
	if got := p.PageCount(); got != 0 {
		t.Errorf("PageCount() = %d, want 0", got)
	}
}

func TestOpenInvalidPageSize(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), Options{PageSize: 1000})
	if !errors.Is(err, errs.ErrMisuse) {
		t.Errorf("Open() error = %v, want ErrMisuse", err)
	}
}

func TestCommitPersists(t *testing.T) {
	p, path := newTestPager(t, Options{PageSize: 512})

	pg, err := p.Get(1)
	if err != nil {
		t.Fatalf("Get(1) error = %v", err)
	}
	if err := p.Write(pg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	fillPage(pg.Data, 'a')
	p.Unref(pg)

	pg2, err := p.Get(2)
	if err != nil {
		t.Fatalf("Get(2) error = %v", err)
	}
	if err := p.Write(pg2); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	for i := range pg2.Data {
		pg2.Data[i] = 'b'
	}
	p.Unref(pg2)

	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	q, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer q.Close()
	if got := q.PageSize(); got != 512 {
		t.Errorf("PageSize() after reopen = %d, want 512", got)
	}
	if got := q.PageCount(); got != 2 {
		t.Errorf("PageCount() after reopen = %d, want 2", got)
	}
	pg, err = q.Get(2)
	if err != nil {
		t.Fatalf("Get(2) after reopen error = %v", err)
	}
	if !bytes.Equal(pg.Data, bytes.Repeat([]byte{'b'}, 512)) {
		t.Error("page 2 content not persisted")
	}
	q.Unref(pg)
}

func TestRollbackRestores(t *testing.T) {
	p, _ := newTestPager(t, Options{PageSize: 512})

	pg, _ := p.Get(1)
	if err := p.Write(pg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	fillPage(pg.Data, 'x')
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	counter := p.ChangeCounter()

	pg, _ = p.Get(1)
	if err := p.Write(pg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	fillPage(pg.Data, 'y')
	p.Unref(pg)
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	pg, err := p.Get(1)
	if err != nil {
		t.Fatalf("Get(1) after rollback error = %v", err)
	}
	if pg.Data[HeaderSize] != 'x' {
		t.Errorf("Data[%d] = %q, want 'x' after rollback", HeaderSize, pg.Data[HeaderSize])
	}
	p.Unref(pg)
	if got := p.ChangeCounter(); got != counter {
		t.Errorf("ChangeCounter() = %d, want %d after rollback", got, counter)
	}
}

func TestRollbackShrinksGrownDatabase(t *testing.T) {
	p, path := newTestPager(t, Options{PageSize: 512})

	pg, _ := p.Get(1)
	p.Write(pg)
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	for i := Pgno(2); i <= 4; i++ {
		pg, _ := p.Get(i)
		if err := p.Write(pg); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
		p.Unref(pg)
	}
	if got := p.PageCount(); got != 4 {
		t.Fatalf("PageCount() = %d, want 4 during transaction", got)
	}
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if got := p.PageCount(); got != 1 {
		t.Errorf("PageCount() = %d, want 1 after rollback", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 512 {
		t.Errorf("file size = %d, want 512 after rollback", info.Size())
	}
}

func TestHotJournalReplay(t *testing.T) {
	p, path := newTestPager(t, Options{PageSize: 512})
	pg, _ := p.Get(1)
	p.Write(pg)
	fillPage(pg.Data, 'o')
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// The committed page 1, header included, is the journal's pre-image.
	original, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	// Fake a crash mid-commit: the file holds new content but the
	// journal with the original survives.
	j := newJournal(path+"-journal", 512, 1)
	if err := j.writeOriginal(1, original); err != nil {
		t.Fatalf("writeOriginal() error = %v", err)
	}
	if err := j.sync(); err != nil {
		t.Fatalf("sync() error = %v", err)
	}
	j.file.Close()
	clobbered := bytes.Repeat([]byte{0xFF}, 512)
	if err := os.WriteFile(path, clobbered, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	q, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() after crash error = %v", err)
	}
	defer q.Close()
	pg, err = q.Get(1)
	if err != nil {
		t.Fatalf("Get(1) error = %v", err)
	}
	if !bytes.Equal(pg.Data, original) {
		t.Error("hot journal replay did not restore the original page")
	}
	q.Unref(pg)
	if _, err := os.Stat(path + "-journal"); !os.IsNotExist(err) {
		t.Error("journal not removed after replay")
	}
}

func TestCloseWithOpenTransactionRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path, Options{PageSize: 512})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	pg, _ := p.Get(1)
	p.Write(pg)
	fillPage(pg.Data, 'z')
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	pg, _ = p.Get(1)
	p.Write(pg)
	fillPage(pg.Data, 'w')
	p.Unref(pg)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	q, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer q.Close()
	pg, _ = q.Get(1)
	if pg.Data[HeaderSize] != 'z' {
		t.Errorf("Data[%d] = %q, want 'z' after implicit rollback", HeaderSize, pg.Data[HeaderSize])
	}
	q.Unref(pg)
}

func TestChangeCounterBumpsPerCommit(t *testing.T) {
	p, _ := newTestPager(t, Options{PageSize: 512})
	before := p.ChangeCounter()
	for i := 0; i < 3; i++ {
		pg, _ := p.Get(1)
		if err := p.Write(pg); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		pg.Data[HeaderSize] = byte(i)
		p.Unref(pg)
		if err := p.Commit(); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}
	if got := p.ChangeCounter(); got != before+3 {
		t.Errorf("ChangeCounter() = %d, want %d", got, before+3)
	}
}

func TestTruncateImage(t *testing.T) {
	p, path := newTestPager(t, Options{PageSize: 512})
	for i := Pgno(1); i <= 5; i++ {
		pg, _ := p.Get(i)
		if err := p.Write(pg); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
		p.Unref(pg)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	pg, _ := p.Get(1)
	p.Write(pg)
	p.Unref(pg)
	p.TruncateImage(2)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() after TruncateImage error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 2*512 {
		t.Errorf("file size = %d, want %d", info.Size(), 2*512)
	}
	if got := p.PageCount(); got != 2 {
		t.Errorf("PageCount() = %d, want 2", got)
	}
}

func TestGetBeyondEOFZeroFilled(t *testing.T) {
	p, _ := newTestPager(t, Options{PageSize: 512})
	pg, err := p.Get(9)
	if err != nil {
		t.Fatalf("Get(9) error = %v", err)
	}
	defer p.Unref(pg)
	for i, b := range pg.Data {
		if b != 0 {
			t.Fatalf("Data[%d] = %d, want 0", i, b)
		}
	}
	// Reading past the end does not grow the database.
	if got := p.PageCount(); got != 0 {
		t.Errorf("PageCount() = %d, want 0", got)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path, Options{PageSize: 512})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	pg, _ := p.Get(1)
	p.Write(pg)
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	p.Close()

	ro, err := Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("Open(ReadOnly) error = %v", err)
	}
	defer ro.Close()
	pg, err = ro.Get(1)
	if err != nil {
		t.Fatalf("Get(1) error = %v", err)
	}
	defer ro.Unref(pg)
	if err := ro.Write(pg); !errors.Is(err, errs.ErrReadOnly) {
		t.Errorf("Write() error = %v, want ErrReadOnly", err)
	}
}

func TestBackupHoldBlocksAccess(t *testing.T) {
	p, _ := newTestPager(t, Options{PageSize: 512})
	if err := p.LockForBackup(); err != nil {
		t.Fatalf("LockForBackup() error = %v", err)
	}
	if err := p.BeginWrite(); !errors.Is(err, errs.ErrBusy) {
		t.Errorf("BeginWrite() error = %v, want ErrBusy", err)
	}
	if err := p.BeginRead(); !errors.Is(err, errs.ErrBusy) {
		t.Errorf("BeginRead() error = %v, want ErrBusy", err)
	}
	if err := p.LockForBackup(); !errors.Is(err, errs.ErrBusy) {
		t.Errorf("second LockForBackup() error = %v, want ErrBusy", err)
	}
	p.UnlockBackup()
	if err := p.BeginWrite(); err != nil {
		t.Errorf("BeginWrite() after unlock error = %v", err)
	}
}

func TestWriterBlocksBackupHold(t *testing.T) {
	p, _ := newTestPager(t, Options{PageSize: 512})
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	if err := p.LockForBackup(); !errors.Is(err, errs.ErrBusy) {
		t.Errorf("LockForBackup() error = %v, want ErrBusy", err)
	}
}

type recordingObserver struct {
	updated   []Pgno
	restarted int
}

func (r *recordingObserver) PageUpdated(pgno Pgno, data []byte) { r.updated = append(r.updated, pgno) }
func (r *recordingObserver) Restarted()                        { r.restarted++ }

func TestBackupObserverNotifications(t *testing.T) {
	p, _ := newTestPager(t, Options{PageSize: 512})
	obs := &recordingObserver{}
	p.AttachBackup(obs)

	for i := Pgno(1); i <= 3; i++ {
		pg, _ := p.Get(i)
		if err := p.Write(pg); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
		p.Unref(pg)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(obs.updated) != 3 {
		t.Fatalf("PageUpdated fired %d times, want 3", len(obs.updated))
	}
	for i, pgno := range obs.updated {
		if int(pgno) != i+1 {
			t.Errorf("update %d was page %d, want %d (ascending order)", i, pgno, i+1)
		}
	}

	pg, _ := p.Get(1)
	p.Write(pg)
	p.Unref(pg)
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if obs.restarted != 1 {
		t.Errorf("Restarted fired %d times, want 1", obs.restarted)
	}

	p.DetachBackup(obs)
	pg, _ = p.Get(2)
	p.Write(pg)
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(obs.updated) != 3 {
		t.Error("detached observer still notified")
	}
}

func TestExternalChangeInvalidatesCache(t *testing.T) {
	p, path := newTestPager(t, Options{PageSize: 512})

	pg, _ := p.Get(1)
	p.Write(pg)
	fillPage(pg.Data, 'a')
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	q, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer q.Close()
	obs := &recordingObserver{}
	q.AttachBackup(obs)

	// Warm q's cache with the current content.
	if err := q.BeginRead(); err != nil {
		t.Fatalf("BeginRead() error = %v", err)
	}
	pg, err = q.Get(1)
	if err != nil {
		t.Fatalf("Get(1) error = %v", err)
	}
	if pg.Data[HeaderSize] != 'a' {
		t.Fatalf("page 1 byte = %q, want 'a'", pg.Data[HeaderSize])
	}
	q.Unref(pg)
	q.EndRead()

	// Write through the first connection.
	pg, _ = p.Get(1)
	p.Write(pg)
	fillPage(pg.Data, 'b')
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}

	if err := q.BeginRead(); err != nil {
		t.Fatalf("BeginRead() after change error = %v", err)
	}
	pg, err = q.Get(1)
	if err != nil {
		t.Fatalf("Get(1) after change error = %v", err)
	}
	if pg.Data[HeaderSize] != 'b' {
		t.Errorf("page 1 byte = %q, want 'b' after external write", pg.Data[HeaderSize])
	}
	q.Unref(pg)
	q.EndRead()

	if obs.restarted != 1 {
		t.Errorf("Restarted fired %d times, want 1", obs.restarted)
	}
	if got, want := q.ChangeCounter(), p.ChangeCounter(); got != want {
		t.Errorf("ChangeCounter() = %d, want %d", got, want)
	}
}

func TestSetPageSize(t *testing.T) {
	p, _ := newTestPager(t, Options{PageSize: 512})
	if err := p.SetPageSize(1024); err != nil {
		t.Fatalf("SetPageSize(1024) error = %v", err)
	}
	if got := p.PageSize(); got != 1024 {
		t.Errorf("PageSize() = %d, want 1024", got)
	}

	pg, _ := p.Get(1)
	p.Write(pg)
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := p.SetPageSize(2048); !errors.Is(err, errs.ErrReadOnly) {
		t.Errorf("SetPageSize() on non-empty db error = %v, want ErrReadOnly", err)
	}
}

func TestPendingBytePage(t *testing.T) {
	p, _ := newTestPager(t, Options{PageSize: 512, PendingByte: 512 * 4})
	if got := p.PendingBytePage(512); got != 5 {
		t.Errorf("PendingBytePage(512) = %d, want 5", got)
	}
	if got := p.PendingBytePage(1024); got != 3 {
		t.Errorf("PendingBytePage(1024) = %d, want 3", got)
	}
}

func TestPendingBytePageSkippedOnCommit(t *testing.T) {
	p, path := newTestPager(t, Options{PageSize: 512, PendingByte: 512 * 2})
	// Pages 1..4 straddle the lock page (page 3).
	for i := Pgno(1); i <= 4; i++ {
		pg, _ := p.Get(i)
		if i == 3 {
			if err := p.Write(pg); !errors.Is(err, errs.ErrMisuse) {
				t.Errorf("Write(lock page) error = %v, want ErrMisuse", err)
			}
			p.Unref(pg)
			continue
		}
		if err := p.Write(pg); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
		fillPage(pg.Data, 'p')
		p.Unref(pg)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lock := raw[2*512 : 3*512]
	if !bytes.Equal(lock, make([]byte, 512)) {
		t.Error("lock page contains data, want all zeros")
	}
}
