package backup

import (
	"errors"

	errs "github.com/FocuswithJustin/pagecache/core/errors"
	"github.com/FocuswithJustin/pagecache/core/pager"
)

// CopyFile writes a complete, consistent copy of src to a new or existing
// database at destPath in a single pass. The destination adopts the
// source's page size when it starts out empty; an existing destination
// keeps its own page size and is converted page by page.
func CopyFile(src *pager.Pager, destPath string) error {
	dest, err := pager.Open(destPath, pager.Options{
		PageSize:    src.PageSize(),
		PendingByte: src.PendingByteOffset(),
	})
	if err != nil {
		return err
	}
	defer dest.Close()

	s, err := NewSession(src, dest)
	if err != nil {
		return err
	}
	err = s.Step(StepAll)
	if ferr := s.Finish(); ferr != nil {
		return ferr
	}
	if err != nil && !errors.Is(err, errs.ErrDone) {
		return err
	}
	return nil
}
