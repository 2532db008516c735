package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAllocationError(t *testing.T) {
	err := NewAllocation(4096)

	if got, want := err.Error(), "allocation of 4096 bytes failed"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	if !errors.Is(err, ErrNoMem) {
		t.Error("AllocationError should unwrap to ErrNoMem")
	}

	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatal("errors.As should find AllocationError")
	}
	if allocErr.Size != 4096 {
		t.Errorf("Size = %d, want 4096", allocErr.Size)
	}
}

func TestAllocationError_NoSize(t *testing.T) {
	err := &AllocationError{}
	if got, want := err.Error(), "allocation failed"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestMisuseError(t *testing.T) {
	err := NewMisuse("backup.Init", "source and destination must be distinct")

	if !errors.Is(err, ErrMisuse) {
		t.Error("MisuseError should unwrap to ErrMisuse")
	}

	want := "misuse of backup.Init: source and destination must be distinct"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestMisuseError_NoOperation(t *testing.T) {
	err := &MisuseError{Reason: "handle is closed"}
	if got, want := err.Error(), "misuse: handle is closed"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCorruptError(t *testing.T) {
	err := NewCorrupt("/tmp/test.db", "bad magic header")

	if !errors.Is(err, ErrCorrupt) {
		t.Error("CorruptError should unwrap to ErrCorrupt")
	}

	want := "database /tmp/test.db is malformed: bad magic header"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIOError(t *testing.T) {
	underlying := errors.New("permission denied")
	err := NewIO("read", "/tmp/test.db", underlying)

	if !errors.Is(err, underlying) {
		t.Error("IOError should unwrap to underlying error")
	}

	want := "failed to read /tmp/test.db: permission denied"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", ErrBusy, false},
		{"locked", ErrLocked, false},
		{"done", ErrDone, false},
		{"wrapped busy", fmt.Errorf("step: %w", ErrBusy), false},
		{"nomem", ErrNoMem, true},
		{"allocation", NewAllocation(512), true},
		{"corrupt", ErrCorrupt, true},
		{"misuse", ErrMisuse, true},
		{"plain", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNoMem, ErrBusy, ErrLocked, ErrMisuse, ErrCorrupt,
		ErrNotFound, ErrReadOnly, ErrDone, ErrInternal,
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinel %v should not match %v", a, b)
			}
		}
	}
}

func TestReexportedHelpers(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewAllocation(64))

	if !Is(err, ErrNoMem) {
		t.Error("Is should follow the wrap chain")
	}

	var allocErr *AllocationError
	if !As(err, &allocErr) {
		t.Error("As should follow the wrap chain")
	}
}
