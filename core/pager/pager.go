package pager

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	errs "github.com/FocuswithJustin/pagecache/core/errors"
	"github.com/FocuswithJustin/pagecache/core/pcache"
	"github.com/FocuswithJustin/pagecache/internal/logging"
)

// Pgno is re-exported so callers need not import pcache for page numbers.
type Pgno = pcache.Pgno

// Pager states, in the order a write transaction moves through them.
const (
	stateOpen = iota
	stateReader
	stateWriterLocked
	stateWriterCacheMod
	stateWriterDBMod
	stateWriterFinished
	stateError
)

// DefaultPendingByte is the file offset of the lock region. The page
// containing it holds no data and is skipped by every read and write path.
const DefaultPendingByte = 0x40000000

// extraLoaded indexes the per-page flag recording that Data holds the
// on-disk content. The cache zeroes it whenever a buffer changes identity.
const extraLoaded = 0

// pageExtraBytes is the size of the per-page scratch area the pager asks
// the cache for.
const pageExtraBytes = 8

// BackupObserver is notified of source database activity while a backup
// session is attached to its pager.
type BackupObserver interface {
	// PageUpdated fires for every page written to the database file
	// during a commit, before the write happens.
	PageUpdated(pgno Pgno, data []byte)

	// Restarted fires when a transaction is rolled back, invalidating
	// any partial copy of the file.
	Restarted()
}

// Options configures an open database.
type Options struct {
	// PageSize applies when creating a new database. An existing file's
	// header wins. Zero selects DefaultPageSize.
	PageSize int

	// ReadOnly opens the file for reading only.
	ReadOnly bool

	// Registry supplies the page cache. Nil gets a private, threadsafe
	// registry with no page ceiling.
	Registry *pcache.Registry

	// CacheSize is the cache's soft resident-page limit. Zero selects
	// the cache default.
	CacheSize int

	// PendingByte relocates the lock region, for exercising the code
	// paths around the pending page with small files. Zero selects
	// DefaultPendingByte.
	PendingByte int64
}

// Pager reads and writes database pages through a shared page cache and
// provides atomic commit and rollback via a rollback journal.
type Pager struct {
	mu sync.Mutex

	// opMu serializes compound write operations: a commit's announce-and-
	// flush of dirty pages, rollback, and a whole backup step. A commit
	// fires observer callbacks under mu while a step holds the session
	// lock and takes mu page by page; without the outer lock the two
	// orders invert. Always acquired before mu.
	opMu sync.Mutex

	file         *os.File
	path         string
	cache        *pcache.Cache
	reg          *pcache.Registry
	ownsRegistry bool

	header      *Header
	pageSize    int
	pendingByte int64

	state    int
	readOnly bool
	errCode  error

	dbSize     Pgno // current size of the database image in pages
	dbOrigSize Pgno // size when the write transaction started
	dbFileSize Pgno // size of the file on disk

	jrnl      *journal
	journaled map[Pgno]bool

	nReaders   int
	writeOpen  bool
	backupHold bool

	observers []BackupObserver
}

// Open opens or creates the database at path.
func Open(path string, opts Options) (*Pager, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if !ValidPageSize(pageSize) {
		return nil, errs.NewMisuse("pager.Open", fmt.Sprintf("invalid page size %d", pageSize))
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, errs.NewIO("open", path, err)
	}

	p := &Pager{
		file:        f,
		path:        path,
		pageSize:    pageSize,
		readOnly:    opts.ReadOnly,
		pendingByte: opts.PendingByte,
		journaled:   make(map[Pgno]bool),
		reg:         opts.Registry,
	}
	if p.pendingByte == 0 {
		p.pendingByte = DefaultPendingByte
	}
	if p.reg == nil {
		p.reg = pcache.NewRegistry(pcache.Config{Threadsafe: true})
		p.ownsRegistry = true
	}

	// A leftover journal means the last writer died mid-transaction; the
	// file is restored before its header is trusted.
	if !opts.ReadOnly {
		if err := replayHotJournal(path, f); err != nil {
			f.Close()
			return nil, err
		}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.NewIO("stat", path, err)
	}
	if info.Size() == 0 {
		if opts.ReadOnly {
			f.Close()
			return nil, errs.NewIO("open", path, os.ErrNotExist)
		}
		p.header = NewHeader(pageSize)
		p.dbSize = 0
	} else {
		hdr := make([]byte, HeaderSize)
		if _, err := f.ReadAt(hdr, 0); err != nil {
			f.Close()
			return nil, errs.NewIO("read header", path, err)
		}
		p.header, err = ParseHeader(path, hdr)
		if err != nil {
			f.Close()
			return nil, err
		}
		p.pageSize = p.header.PageSize
		p.dbSize = Pgno(info.Size() / int64(p.pageSize))
	}
	p.dbOrigSize = p.dbSize
	p.dbFileSize = p.dbSize

	p.cache, err = p.reg.OpenCache(pcache.CacheOptions{
		PageSize:   p.pageSize,
		ExtraBytes: pageExtraBytes,
		Purgeable:  true,
		MaxPages:   opts.CacheSize,
		Client:     p,
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	return p, nil
}

// replayHotJournal restores f from a journal left by a crashed writer. The
// journal's own header supplies the page size, because the database header
// cannot be trusted until the replay completes.
func replayHotJournal(path string, f *os.File) error {
	jpath := path + "-journal"
	jf, err := os.Open(jpath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.NewIO("open journal", jpath, err)
	}
	hdr := make([]byte, journalHeaderSize)
	if _, err := io.ReadFull(jf, hdr); err != nil {
		jf.Close()
		// An empty or truncated header never protected any data.
		os.Remove(jpath)
		return nil
	}
	jf.Close()
	if binary.BigEndian.Uint32(hdr) != journalMagic {
		os.Remove(jpath)
		return nil
	}
	pageSize := int(binary.BigEndian.Uint32(hdr[20:]))
	if !ValidPageSize(pageSize) {
		return errs.NewCorrupt(jpath, fmt.Sprintf("bad journal page size %d", pageSize))
	}
	logging.Info("replaying hot journal", "path", jpath)
	j := &journal{path: jpath, pageSize: pageSize}
	orig, err := j.playback(f)
	if err != nil {
		return err
	}
	if err := j.finalize(); err != nil {
		return err
	}
	want := int64(orig) * int64(pageSize)
	if info, err := f.Stat(); err == nil && info.Size() > want {
		if err := f.Truncate(want); err != nil {
			return errs.NewIO("truncate", path, err)
		}
	}
	return nil
}

// Close rolls back any active transaction and releases the pager.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	if p.state >= stateWriterLocked && p.state < stateError {
		p.rollbackLocked()
	}
	p.cache.Close()
	err := p.file.Close()
	p.file = nil
	if p.ownsRegistry {
		p.reg.Close()
	}
	if err != nil {
		return errs.NewIO("close", p.path, err)
	}
	return nil
}

// Path returns the database filename.
func (p *Pager) Path() string { return p.path }

// PageSize returns the page size in bytes.
func (p *Pager) PageSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageSize
}

// PageCount returns the size of the database image in pages.
func (p *Pager) PageCount() Pgno {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dbSize
}

// ReadOnly reports whether the pager rejects writes.
func (p *Pager) ReadOnly() bool { return p.readOnly }

// ChangeCounter returns the header's file change counter.
func (p *Pager) ChangeCounter() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.ChangeCounter
}

// SchemaCookie returns the header's schema cookie.
func (p *Pager) SchemaCookie() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.SchemaCookie
}

// PendingBytePage returns the page number containing the lock region for
// the given page size. That page is all zeros on disk and never carries
// database content.
func (p *Pager) PendingBytePage(pageSize int) Pgno {
	return Pgno(p.pendingByte/int64(pageSize)) + 1
}

// SetPageSize changes the page size. Allowed only while the database is
// empty and no transaction is active.
func (p *Pager) SetPageSize(size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !ValidPageSize(size) {
		return errs.NewMisuse("Pager.SetPageSize", fmt.Sprintf("invalid page size %d", size))
	}
	if size == p.pageSize {
		return nil
	}
	if p.dbSize != 0 || p.state != stateOpen {
		return errs.ErrReadOnly
	}
	old := p.cache
	c, err := p.reg.OpenCache(pcache.CacheOptions{
		PageSize:   size,
		ExtraBytes: pageExtraBytes,
		Purgeable:  true,
		Client:     p,
	})
	if err != nil {
		return err
	}
	old.Close()
	p.cache = c
	p.pageSize = size
	p.header.PageSize = size
	return nil
}

// BeginRead takes a shared read hold on the database. It fails with
// ErrBusy while a backup session holds the file exclusively. The first
// reader checks the on-disk change counter and discards the cache when
// another connection has written the file since the last read.
func (p *Pager) BeginRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backupHold {
		return errs.ErrBusy
	}
	if p.nReaders == 0 && p.state == stateOpen {
		if err := p.checkExternalChangeLocked(); err != nil {
			return err
		}
	}
	p.nReaders++
	if p.state == stateOpen {
		p.state = stateReader
	}
	return nil
}

// checkExternalChangeLocked compares the header's change counter against
// the file. On a mismatch every cached page is stale: the cache is
// emptied, the header reloaded, and attached backup sessions restarted.
func (p *Pager) checkExternalChangeLocked() error {
	var ctr [4]byte
	if _, err := p.file.ReadAt(ctr[:], offChangeCounter); err != nil {
		// An empty or truncated file has no counter to disagree with.
		return nil
	}
	if binary.BigEndian.Uint32(ctr[:]) == p.header.ChangeCounter {
		return nil
	}
	logging.Info("database changed externally", "path", p.path)
	hdr := make([]byte, HeaderSize)
	if _, err := p.file.ReadAt(hdr, 0); err != nil {
		return errs.NewIO("read header", p.path, err)
	}
	h, err := ParseHeader(p.path, hdr)
	if err != nil {
		return err
	}
	if h.PageSize != p.pageSize {
		c, err := p.reg.OpenCache(pcache.CacheOptions{
			PageSize:   h.PageSize,
			ExtraBytes: pageExtraBytes,
			Purgeable:  true,
			Client:     p,
		})
		if err != nil {
			return err
		}
		p.cache.Close()
		p.cache = c
		p.pageSize = h.PageSize
	} else {
		p.cache.Truncate(0)
	}
	p.header = h
	info, err := p.file.Stat()
	if err != nil {
		return errs.NewIO("stat", p.path, err)
	}
	p.dbSize = Pgno(info.Size() / int64(p.pageSize))
	p.dbOrigSize = p.dbSize
	p.dbFileSize = p.dbSize
	for _, o := range p.observers {
		o.Restarted()
	}
	return nil
}

// EndRead releases a shared read hold.
func (p *Pager) EndRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nReaders > 0 {
		p.nReaders--
	}
	if p.nReaders == 0 && p.state == stateReader {
		p.state = stateOpen
	}
}

// BeginOperation acquires the pager's compound-operation lock. Commit,
// Rollback, and Write take it internally; the backup engine holds it
// across a whole step so source writers serialize against the copy loop.
func (p *Pager) BeginOperation() { p.opMu.Lock() }

// EndOperation releases the compound-operation lock.
func (p *Pager) EndOperation() { p.opMu.Unlock() }

// BeginWrite starts a write transaction. It fails with ErrBusy when
// another writer or a backup session holds the file, and ErrReadOnly on a
// read-only pager.
func (p *Pager) BeginWrite() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.beginWriteLocked()
}

func (p *Pager) beginWriteLocked() error {
	if p.readOnly {
		return errs.ErrReadOnly
	}
	if p.state == stateError {
		return p.errCode
	}
	if p.backupHold {
		return errs.ErrBusy
	}
	if p.state >= stateWriterLocked {
		return errs.NewMisuse("Pager.BeginWrite", "transaction already open")
	}
	p.writeOpen = true
	p.state = stateWriterLocked
	p.dbOrigSize = p.dbSize
	p.jrnl = newJournal(p.path+"-journal", p.pageSize, uint32(p.dbSize))
	return nil
}

// Get returns page pgno with a reference held, reading it from disk on
// first access. Pages past the end of the file come back zero-filled.
func (p *Pager) Get(pgno Pgno) (*pcache.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(pgno)
}

func (p *Pager) getLocked(pgno Pgno) (*pcache.Page, error) {
	if pgno == 0 {
		return nil, errs.NewMisuse("Pager.Get", "page numbers start at 1")
	}
	if p.state == stateError {
		return nil, p.errCode
	}
	pg, err := p.cache.Fetch(pgno, true)
	if err != nil {
		return nil, err
	}
	if pg.Extra[extraLoaded] == 0 {
		if pgno <= p.dbFileSize && pgno != p.PendingBytePage(p.pageSize) {
			off := int64(pgno-1) * int64(p.pageSize)
			if _, err := p.file.ReadAt(pg.Data, off); err != nil && err != io.EOF {
				p.cache.Release(pg, true)
				return nil, errs.NewIO("read page", p.path, err)
			}
		} else {
			for i := range pg.Data {
				pg.Data[i] = 0
			}
		}
		pg.Extra[extraLoaded] = 1
	}
	return pg, nil
}

// Unref releases a page reference obtained from Get.
func (p *Pager) Unref(pg *pcache.Page) {
	if pg == nil {
		return
	}
	p.cache.Release(pg, false)
}

// Write prepares a page for modification: it journals the original content
// once per transaction and marks the page dirty. A write transaction is
// opened implicitly if none is active.
func (p *Pager) Write(pg *pcache.Page) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(pg)
}

func (p *Pager) writeLocked(pg *pcache.Page) error {
	if p.readOnly {
		return errs.ErrReadOnly
	}
	if p.state == stateError {
		return p.errCode
	}
	if p.state < stateWriterLocked {
		if err := p.beginWriteLocked(); err != nil {
			return err
		}
	}
	pgno := pg.Pgno
	if pgno == p.PendingBytePage(p.pageSize) {
		return errs.NewMisuse("Pager.Write", "the lock page is not writable")
	}
	if !p.journaled[pgno] {
		if pgno <= p.dbOrigSize {
			if err := p.jrnl.writeOriginal(pgno, pg.Data); err != nil {
				return err
			}
		}
		p.journaled[pgno] = true
	}
	p.cache.MakeDirty(pg)
	if p.state == stateWriterLocked {
		p.state = stateWriterCacheMod
	}
	if pgno > p.dbSize {
		p.dbSize = pgno
	}
	return nil
}

// TruncateImage shrinks the database image to n pages. The file itself
// shrinks when the transaction commits.
func (p *Pager) TruncateImage(n Pgno) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < p.dbSize {
		p.dbSize = n
	}
}

// Commit makes the transaction durable, journal first.
func (p *Pager) Commit() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if err := p.commitPhaseOne(); err != nil {
		return err
	}
	return p.commitPhaseTwo()
}

// CommitPhaseOne syncs the journal, writes every dirty page, and syncs the
// database file. After it returns the transaction is durable but the
// journal still exists, so a crash replays rather than commits.
func (p *Pager) CommitPhaseOne() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.commitPhaseOne()
}

func (p *Pager) commitPhaseOne() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state < stateWriterLocked {
		return errs.NewMisuse("Pager.Commit", "no write transaction")
	}
	if p.state == stateWriterLocked {
		// Nothing was modified.
		p.state = stateWriterFinished
		return nil
	}
	if err := p.commitPhaseOneLocked(); err != nil {
		p.enterErrorState(err)
		return err
	}
	return nil
}

func (p *Pager) commitPhaseOneLocked() error {
	if err := p.bumpChangeCounterLocked(); err != nil {
		return err
	}
	if err := p.jrnl.sync(); err != nil {
		return err
	}
	if err := p.writeDirtyLocked(); err != nil {
		return err
	}
	if err := p.truncateToImage(); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return errs.NewIO("sync", p.path, err)
	}
	p.state = stateWriterFinished
	return nil
}

// CommitPhaseTwo removes the journal, completing the commit.
func (p *Pager) CommitPhaseTwo() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.commitPhaseTwo()
}

func (p *Pager) commitPhaseTwo() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateWriterFinished {
		return errs.NewMisuse("Pager.Commit", "phase one has not completed")
	}
	if p.jrnl != nil {
		if err := p.jrnl.finalize(); err != nil {
			p.enterErrorState(err)
			return err
		}
		p.jrnl = nil
	}
	p.cache.CleanAll()
	p.journaled = make(map[Pgno]bool)
	p.dbOrigSize = p.dbSize
	p.writeOpen = false
	p.state = stateOpen
	return nil
}

// Rollback abandons the transaction, restoring journaled pages on disk
// and discarding every cached modification.
func (p *Pager) Rollback() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbackLocked()
}

func (p *Pager) rollbackLocked() error {
	if p.state < stateWriterLocked {
		return errs.NewMisuse("Pager.Rollback", "no write transaction")
	}
	if p.jrnl != nil && p.state >= stateWriterDBMod {
		orig, err := p.jrnl.playback(p.file)
		if err != nil {
			p.enterErrorState(err)
			return err
		}
		p.dbSize = Pgno(orig)
	} else {
		p.dbSize = p.dbOrigSize
	}
	if p.jrnl != nil {
		p.jrnl.finalize()
		p.jrnl = nil
	}
	// Cached pages may hold rolled-back content; drop them all.
	p.cache.Truncate(0)
	p.dbFileSize = p.dbSize
	p.truncateToImage()
	p.journaled = make(map[Pgno]bool)
	p.writeOpen = false
	p.state = stateOpen
	for _, o := range p.observers {
		o.Restarted()
	}
	return nil
}

// writeDirtyLocked flushes the dirty list in page number order, announcing
// each page to attached backup sessions before it hits the file.
func (p *Pager) writeDirtyLocked() error {
	pending := p.PendingBytePage(p.pageSize)
	for pg := p.cache.DirtyList(); pg != nil; pg = pg.Dirty {
		if pg.Pgno > p.dbSize || pg.Pgno == pending {
			continue
		}
		for _, o := range p.observers {
			o.PageUpdated(pg.Pgno, pg.Data)
		}
		off := int64(pg.Pgno-1) * int64(p.pageSize)
		if _, err := p.file.WriteAt(pg.Data, off); err != nil {
			return errs.NewIO("write page", p.path, err)
		}
		if pg.Pgno > p.dbFileSize {
			p.dbFileSize = pg.Pgno
		}
	}
	p.state = stateWriterDBMod
	return nil
}

// bumpChangeCounterLocked updates the change counter on page 1 ahead of
// the dirty page flush. Page 1 goes through the normal write path so its
// pre-transaction content is journaled. Only the counter fields are
// touched: page 1 may hold a header copied from another database, as
// during a backup, and everything else in it must survive.
func (p *Pager) bumpChangeCounterLocked() error {
	if p.dbSize < 1 {
		return nil
	}
	pg, err := p.getLocked(1)
	if err != nil {
		return err
	}
	defer p.cache.Release(pg, false)
	if err := p.writeLocked(pg); err != nil {
		return err
	}
	p.header.ChangeCounter++
	p.header.VersionValidFor = p.header.ChangeCounter
	if string(pg.Data[:16]) != headerMagic {
		// Fresh database: page 1 has no header yet.
		p.header.DatabaseSize = uint32(p.dbSize)
		copy(pg.Data[:HeaderSize], p.header.Serialize())
		return nil
	}
	binary.BigEndian.PutUint32(pg.Data[offChangeCounter:], p.header.ChangeCounter)
	binary.BigEndian.PutUint32(pg.Data[offVersionValid:], p.header.ChangeCounter)
	binary.BigEndian.PutUint32(pg.Data[offLibVersion:], 3051002)
	return nil
}

func (p *Pager) truncateToImage() error {
	want := int64(p.dbSize) * int64(p.pageSize)
	info, err := p.file.Stat()
	if err != nil {
		return errs.NewIO("stat", p.path, err)
	}
	if info.Size() > want {
		if err := p.file.Truncate(want); err != nil {
			return errs.NewIO("truncate", p.path, err)
		}
	}
	p.dbFileSize = p.dbSize
	return nil
}

func (p *Pager) enterErrorState(err error) {
	p.state = stateError
	p.errCode = err
	logging.Error("pager entered error state", "path", p.path, "error", err)
}

// Stress implements pcache.Client. The cache calls it under memory
// pressure to make a dirty page recyclable. The broadcast can arrive from
// inside this pager's own Fetch or from another pager's goroutine, so a
// contended mutex means declining rather than deadlocking.
func (p *Pager) Stress(pg *pcache.Page) error {
	if !p.mu.TryLock() {
		return errs.ErrBusy
	}
	defer p.mu.Unlock()
	if p.readOnly || p.state < stateWriterCacheMod {
		return errs.ErrBusy
	}
	if pg.Pgno > p.dbSize || pg.Pgno == p.PendingBytePage(p.pageSize) {
		return nil
	}
	// The journal must be durable before the page it protects is
	// overwritten in place.
	if err := p.jrnl.sync(); err != nil {
		return err
	}
	off := int64(pg.Pgno-1) * int64(p.pageSize)
	if _, err := p.file.WriteAt(pg.Data, off); err != nil {
		return errs.NewIO("write page", p.path, err)
	}
	if pg.Pgno > p.dbFileSize {
		p.dbFileSize = pg.Pgno
	}
	p.state = stateWriterDBMod
	logging.CacheEvent("stress_spill", "path", p.path, "pgno", uint32(pg.Pgno))
	return nil
}

// PageDestroy implements pcache.Client. The pager keeps no out-of-page
// state for clean pages, so there is nothing to tear down.
func (p *Pager) PageDestroy(*pcache.Page) {}

// AttachBackup registers a backup session for update notifications.
func (p *Pager) AttachBackup(o BackupObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// DetachBackup removes a previously attached session.
func (p *Pager) DetachBackup(o BackupObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.observers {
		if x == o {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			return
		}
	}
}

// LockForBackup takes the exclusive hold a backup destination needs and
// opens the write transaction the copy happens inside. Readers and other
// writers fail with ErrBusy until UnlockBackup.
func (p *Pager) LockForBackup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readOnly {
		return errs.ErrReadOnly
	}
	if p.backupHold {
		return errs.ErrBusy
	}
	if p.state >= stateWriterLocked || p.nReaders > 0 {
		return errs.ErrBusy
	}
	if err := p.beginWriteLocked(); err != nil {
		return err
	}
	p.backupHold = true
	return nil
}

// InTransaction reports whether a write transaction is open.
func (p *Pager) InTransaction() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state >= stateWriterLocked && p.state <= stateWriterFinished
}

// PendingByteOffset returns the byte offset of the lock region.
func (p *Pager) PendingByteOffset() int64 { return p.pendingByte }

// UnlockBackup releases the exclusive backup hold. A write transaction
// still open from LockForBackup is rolled back.
func (p *Pager) UnlockBackup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.backupHold {
		return
	}
	p.backupHold = false
	if p.state >= stateWriterLocked && p.state <= stateWriterFinished {
		p.rollbackLocked()
	}
}

// Raw file access for the backup engine's post-copy fixups. These bypass
// the cache on purpose; callers hold the backup lock.

// ReadRaw fills buf from the file at off, zero-filling past EOF.
func (p *Pager) ReadRaw(off int64, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.file.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return errs.NewIO("read", p.path, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WriteRaw writes buf to the file at off.
func (p *Pager) WriteRaw(off int64, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readOnly {
		return errs.ErrReadOnly
	}
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return errs.NewIO("write", p.path, err)
	}
	return nil
}

// TruncateFile sets the file to an exact byte size, which need not be a
// multiple of the page size during a cross-page-size backup.
func (p *Pager) TruncateFile(size int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readOnly {
		return errs.ErrReadOnly
	}
	if err := p.file.Truncate(size); err != nil {
		return errs.NewIO("truncate", p.path, err)
	}
	p.dbFileSize = Pgno(size / int64(p.pageSize))
	return nil
}

// SyncFile forces the file contents to stable storage.
func (p *Pager) SyncFile() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Sync(); err != nil {
		return errs.NewIO("sync", p.path, err)
	}
	return nil
}

// FileSize returns the on-disk size in bytes.
func (p *Pager) FileSize() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, err := p.file.Stat()
	if err != nil {
		return 0, errs.NewIO("stat", p.path, err)
	}
	return info.Size(), nil
}

// CacheStats exposes the shared registry's counters for diagnostics.
func (p *Pager) CacheStats() pcache.Stats {
	return p.reg.Stats()
}
