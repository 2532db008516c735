package backup

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	errs "github.com/FocuswithJustin/pagecache/core/errors"
	"github.com/FocuswithJustin/pagecache/core/pager"
	"github.com/FocuswithJustin/pagecache/internal/logging"
	"github.com/FocuswithJustin/pagecache/internal/numeric"
)

// StepAll asks Step to copy every remaining page in one call.
const StepAll = -1

// Session is one in-progress backup from a source to a destination pager.
type Session struct {
	mu   sync.Mutex
	id   string
	src  *pager.Pager
	dest *pager.Pager

	next       pager.Pgno // next source page to copy
	nRemaining int
	nPagecount int

	// Page sizes are fixed once the destination lock is held: changing a
	// pager's page size requires an empty file outside any transaction.
	pgszSrc  int
	pgszDest int

	destSchema uint32 // destination schema cookie at session start
	destLocked bool
	attached   bool
	done       bool
	err        error // sticky fatal error

	// restart is set by the source pager, possibly while Step holds mu,
	// so it lives outside the mutex. Step consumes it.
	restart atomic.Bool
}

// NewSession prepares a backup of src into dest. The destination is not
// touched until the first Step.
func NewSession(src, dest *pager.Pager) (*Session, error) {
	if src == dest {
		return nil, errs.NewMisuse("backup.NewSession", "source and destination are the same pager")
	}
	if src.Path() == dest.Path() {
		return nil, errs.NewMisuse("backup.NewSession", "source and destination are the same file")
	}
	if src.PendingByteOffset() != dest.PendingByteOffset() {
		return nil, errs.NewMisuse("backup.NewSession", "pagers disagree on the lock region offset")
	}
	s := &Session{
		id:         uuid.New().String(),
		src:        src,
		dest:       dest,
		next:       1,
		destSchema: dest.SchemaCookie(),
	}
	src.AttachBackup(s)
	s.attached = true
	logging.Info("backup session created",
		"session_id", s.id, "source", src.Path(), "destination", dest.Path())
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Remaining returns the number of pages still to copy, as of the last
// Step.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nRemaining
}

// Pagecount returns the source page count, as of the last Step.
func (s *Session) Pagecount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nPagecount
}

// Step copies up to nPages source pages, or everything left when nPages
// is StepAll. It returns nil when more remains, ErrDone when the
// destination holds a complete committed copy, and ErrBusy or ErrLocked
// when a lock could not be had or the source has a write transaction
// open; those three leave the session usable. Any other error is fatal
// and sticks until Finish.
func (s *Session) Step(nPages int) error {
	// The source's compound-operation lock spans the whole step, so a
	// writer on another goroutine cannot interleave its commit with the
	// copy loop.
	s.src.BeginOperation()
	defer s.src.EndOperation()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.done {
		return errs.ErrDone
	}
	if s.src.InTransaction() {
		// An open source write transaction may hold uncommitted page
		// content; copying now could commit data the source later rolls
		// back. The caller retries once the transaction resolves.
		return errs.ErrBusy
	}

	if err := s.src.BeginRead(); err != nil {
		return err
	}
	defer s.src.EndRead()

	if s.restart.Swap(false) {
		s.next = 1
		if s.destLocked {
			// A source replaced out from under the pager may have come
			// back with a different page size.
			s.pgszSrc = s.src.PageSize()
		}
	}

	if !s.destLocked {
		pgszSrc := s.src.PageSize()
		// An untouched destination adopts the source's page size. This
		// has to happen before the backup lock opens the destination's
		// write transaction.
		if s.dest.PageCount() == 0 && s.dest.PageSize() != pgszSrc {
			if err := s.dest.SetPageSize(pgszSrc); err != nil {
				return s.fail(err)
			}
		}
		if err := s.dest.LockForBackup(); err != nil {
			return s.fail(err)
		}
		s.destLocked = true
		s.pgszSrc = pgszSrc
		s.pgszDest = s.dest.PageSize()
	}

	nSrcPage := s.src.PageCount()
	srcPending := s.src.PendingBytePage(s.pgszSrc)

	copied := 0
	for s.next <= nSrcPage && (nPages < 0 || copied < nPages) {
		pgno := s.next
		if pgno != srcPending {
			pg, err := s.src.Get(pgno)
			if err != nil {
				return s.fail(err)
			}
			err = s.copyPage(pgno, pg.Data, s.pgszSrc, s.pgszDest)
			s.src.Unref(pg)
			if err != nil {
				return s.fail(err)
			}
			copied++
		}
		s.next++
	}

	s.nPagecount = int(nSrcPage)
	s.nRemaining = 0
	if s.next <= nSrcPage {
		s.nRemaining = int(nSrcPage-s.next) + 1
	}
	logging.BackupStep(s.id, copied, s.nRemaining, s.nPagecount)

	if s.next > nSrcPage {
		if err := s.finishCopy(nSrcPage, s.pgszSrc, s.pgszDest); err != nil {
			return s.fail(err)
		}
		s.done = true
		return errs.ErrDone
	}
	return nil
}

// fail records err if it is fatal. Busy and Locked pass through without
// poisoning the session, so the caller may retry the same Step later.
func (s *Session) fail(err error) error {
	if errs.IsFatal(err) {
		s.err = err
		logging.Error("backup session failed", "session_id", s.id, "error", err)
	}
	return err
}

// copyPage scatters one source page into the destination page or pages it
// overlaps, skipping the destination's lock page.
func (s *Session) copyPage(pgno pager.Pgno, data []byte, pgszSrc, pgszDest int) error {
	nCopy := numeric.Min(pgszSrc, pgszDest)
	end := int64(pgno) * int64(pgszSrc)
	destPending := s.dest.PendingBytePage(pgszDest)

	for off := end - int64(pgszSrc); off < end; off += int64(pgszDest) {
		destPgno := pager.Pgno(off/int64(pgszDest)) + 1
		if destPgno == destPending {
			continue
		}
		dpg, err := s.dest.Get(destPgno)
		if err != nil {
			return err
		}
		if err := s.dest.Write(dpg); err != nil {
			s.dest.Unref(dpg)
			return err
		}
		in := data[off%int64(pgszSrc):]
		out := dpg.Data[off%int64(pgszDest):]
		copy(out[:nCopy], in[:nCopy])
		s.dest.Unref(dpg)
	}
	return nil
}

// finishCopy commits the destination once every source page is across.
// The destination image is trimmed to exactly cover the source content,
// which takes extra care when the page sizes differ.
func (s *Session) finishCopy(nSrcPage pager.Pgno, pgszSrc, pgszDest int) error {
	if err := s.bumpDestSchemaCookie(); err != nil {
		return err
	}

	var nDestTruncate pager.Pgno
	if pgszSrc < pgszDest {
		ratio := pager.Pgno(pgszDest / pgszSrc)
		nDestTruncate = numeric.CeilDiv(nSrcPage, ratio)
		if nDestTruncate == s.dest.PendingBytePage(pgszDest) {
			nDestTruncate--
		}
	} else {
		nDestTruncate = nSrcPage * pager.Pgno(pgszSrc/pgszDest)
	}
	s.dest.TruncateImage(nDestTruncate)

	if pgszSrc < pgszDest {
		// The destination file must end exactly at the source's byte
		// length, and the data displaced by the destination's larger
		// lock page has to be patched in around it.
		iSize := int64(pgszSrc) * int64(nSrcPage)
		if err := s.dest.CommitPhaseOne(); err != nil {
			return err
		}
		if err := s.dest.TruncateFile(iSize); err != nil {
			return err
		}
		pendingByte := s.dest.PendingByteOffset()
		iEnd := numeric.Min(pendingByte+int64(pgszDest), iSize)
		for off := pendingByte + int64(pgszSrc); off < iEnd; off += int64(pgszSrc) {
			srcPgno := pager.Pgno(off/int64(pgszSrc)) + 1
			pg, err := s.src.Get(srcPgno)
			if err != nil {
				return err
			}
			err = s.dest.WriteRaw(off, pg.Data)
			s.src.Unref(pg)
			if err != nil {
				return err
			}
		}
		if err := s.dest.SyncFile(); err != nil {
			return err
		}
	} else {
		if err := s.dest.CommitPhaseOne(); err != nil {
			return err
		}
	}
	if err := s.dest.CommitPhaseTwo(); err != nil {
		return err
	}
	logging.Info("backup session complete",
		"session_id", s.id, "pages", uint32(nSrcPage))
	return nil
}

// bumpDestSchemaCookie invalidates any cached schema derived from the
// destination's previous content.
func (s *Session) bumpDestSchemaCookie() error {
	pg, err := s.dest.Get(1)
	if err != nil {
		return err
	}
	defer s.dest.Unref(pg)
	if err := s.dest.Write(pg); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(pg.Data[40:], s.destSchema+1)
	return nil
}

// Finish releases every lock and reports the session's outcome: nil after
// a completed copy or a clean abandonment, otherwise the first fatal
// error. An unfinished destination transaction is rolled back, leaving
// the destination as it was before the session.
func (s *Session) Finish() error {
	s.src.BeginOperation()
	defer s.src.EndOperation()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		s.src.DetachBackup(s)
		s.attached = false
	}
	if s.destLocked {
		s.dest.UnlockBackup()
		s.destLocked = false
	}
	err := s.err
	s.err = errs.NewMisuse("backup.Step", "session is finished")
	if err != nil && !errs.IsFatal(err) {
		err = nil
	}
	logging.Info("backup session finished", "session_id", s.id, "error", err)
	return err
}

// PageUpdated implements pager.BackupObserver. A source page the session
// has already copied is copied again with its new content, keeping the
// destination consistent with the eventual source snapshot.
func (s *Session) PageUpdated(pgno pager.Pgno, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || s.done || !s.destLocked {
		return
	}
	if pgno >= s.next {
		return
	}
	if pgno == s.src.PendingBytePage(s.pgszSrc) {
		return
	}
	if err := s.copyPage(pgno, data, s.pgszSrc, s.pgszDest); err != nil {
		s.fail(err)
	}
}

// Restarted implements pager.BackupObserver. A source rollback or an
// externally rewritten source file invalidates everything copied so far;
// the next Step begins again from page 1. The pager may fire this from
// inside Step's own read lock, so only the atomic flag is touched here.
func (s *Session) Restarted() {
	s.restart.Store(true)
	logging.Info("backup session restarted", "session_id", s.id)
}
