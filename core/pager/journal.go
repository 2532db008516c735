package pager

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	errs "github.com/FocuswithJustin/pagecache/core/errors"
)

// Rollback journal format:
//
//	header (28 bytes):
//	  magic, page count, nonce, initial db size, sector size,
//	  page size, format version; all big-endian uint32
//	entries:
//	  [4 bytes page number][pageSize bytes original content][4 bytes checksum]
//
// The checksum folds the page number and the journal nonce with the page
// content so a torn entry is detected during rollback.
const (
	journalHeaderSize = 28
	journalMagic      = 0xd9d505f9
	journalVersion    = 1
)

// journal captures original page content before the first modification in
// a transaction, enabling rollback and crash recovery.
type journal struct {
	file     *os.File
	path     string
	pageSize int
	nPage    int
	origSize uint32
	nonce    uint32
}

func newJournal(path string, pageSize int, origSize uint32) *journal {
	var b [4]byte
	rand.Read(b[:])
	return &journal{
		path:     path,
		pageSize: pageSize,
		origSize: origSize,
		nonce:    binary.BigEndian.Uint32(b[:]),
	}
}

func (j *journal) open() error {
	if j.file != nil {
		return nil
	}
	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.NewIO("journal open", j.path, err)
	}
	hdr := make([]byte, journalHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:], journalMagic)
	binary.BigEndian.PutUint32(hdr[4:], 0)
	binary.BigEndian.PutUint32(hdr[8:], j.nonce)
	binary.BigEndian.PutUint32(hdr[12:], j.origSize)
	binary.BigEndian.PutUint32(hdr[16:], 512)
	binary.BigEndian.PutUint32(hdr[20:], uint32(j.pageSize))
	binary.BigEndian.PutUint32(hdr[24:], journalVersion)
	// Plain Write keeps the file offset past the header so entries
	// append after it.
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return errs.NewIO("journal header write", j.path, err)
	}
	j.file = f
	return nil
}

// writeOriginal appends a page's pre-modification content.
func (j *journal) writeOriginal(pgno Pgno, data []byte) error {
	if err := j.open(); err != nil {
		return err
	}
	if len(data) != j.pageSize {
		return errs.NewMisuse("journal write",
			fmt.Sprintf("page is %d bytes, journal expects %d", len(data), j.pageSize))
	}
	entry := make([]byte, 4+j.pageSize+4)
	binary.BigEndian.PutUint32(entry, uint32(pgno))
	copy(entry[4:], data)
	binary.BigEndian.PutUint32(entry[4+j.pageSize:], j.checksum(pgno, data))
	if _, err := j.file.Write(entry); err != nil {
		return errs.NewIO("journal write", j.path, err)
	}
	j.nPage++
	return nil
}

func (j *journal) sync() error {
	if j.file == nil {
		return nil
	}
	cnt := make([]byte, 4)
	binary.BigEndian.PutUint32(cnt, uint32(j.nPage))
	if _, err := j.file.WriteAt(cnt, 4); err != nil {
		return errs.NewIO("journal sync", j.path, err)
	}
	if err := j.file.Sync(); err != nil {
		return errs.NewIO("journal sync", j.path, err)
	}
	return nil
}

// playback restores journaled pages into db and reports the database size
// recorded at transaction start. Entries failing their checksum stop the
// replay; everything before the bad entry has been applied.
func (j *journal) playback(db *os.File) (uint32, error) {
	if j.file == nil {
		f, err := os.Open(j.path)
		if err != nil {
			if os.IsNotExist(err) {
				return j.origSize, nil
			}
			return 0, errs.NewIO("journal playback", j.path, err)
		}
		j.file = f
	}
	hdr := make([]byte, journalHeaderSize)
	if _, err := j.file.ReadAt(hdr, 0); err != nil {
		return 0, errs.NewIO("journal playback", j.path, err)
	}
	if binary.BigEndian.Uint32(hdr) != journalMagic {
		return 0, errs.NewCorrupt(j.path, "bad journal magic")
	}
	if int(binary.BigEndian.Uint32(hdr[20:])) != j.pageSize {
		return 0, errs.NewCorrupt(j.path, "journal page size mismatch")
	}
	nonce := binary.BigEndian.Uint32(hdr[8:])
	origSize := binary.BigEndian.Uint32(hdr[12:])

	if _, err := j.file.Seek(journalHeaderSize, io.SeekStart); err != nil {
		return 0, errs.NewIO("journal playback", j.path, err)
	}
	entry := make([]byte, 4+j.pageSize+4)
	for {
		n, err := io.ReadFull(j.file, entry)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n < len(entry)) {
			break
		}
		if err != nil {
			return 0, errs.NewIO("journal playback", j.path, err)
		}
		pgno := Pgno(binary.BigEndian.Uint32(entry))
		content := entry[4 : 4+j.pageSize]
		want := binary.BigEndian.Uint32(entry[4+j.pageSize:])
		saved := j.nonce
		j.nonce = nonce
		got := j.checksum(pgno, content)
		j.nonce = saved
		if got != want {
			break
		}
		off := int64(pgno-1) * int64(j.pageSize)
		if _, err := db.WriteAt(content, off); err != nil {
			return 0, errs.NewIO("journal playback", j.path, err)
		}
	}
	if err := db.Sync(); err != nil {
		return 0, errs.NewIO("journal playback", j.path, err)
	}
	return origSize, nil
}

// finalize closes and deletes the journal after a commit or rollback.
func (j *journal) finalize() error {
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return errs.NewIO("journal delete", j.path, err)
	}
	j.nPage = 0
	return nil
}

func (j *journal) checksum(pgno Pgno, data []byte) uint32 {
	sum := uint32(pgno) ^ j.nonce
	for i := 0; i+4 <= len(data); i += 4 {
		sum ^= binary.BigEndian.Uint32(data[i:])
	}
	return sum
}
