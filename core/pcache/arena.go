package pcache

// arena is a preallocated slab of fixed-size slots for page buffers,
// sized at Registry construction. Allocations larger than the slot size,
// and allocations made after the pool is exhausted, fall through to the
// heap; the overflow counter tracks how many bytes are live outside the
// pool. Slot bookkeeping happens with the registry mutex held.
type arena struct {
	slab     []byte
	slotSize int
	free     []int // stack of available slot indexes
	inUse    int
	reserve  int // free-slot floor below which the pool reports pressure
	overflow int64
}

func newArena(slotSize, slotCount int) *arena {
	a := &arena{slotSize: slotSize}
	if slotSize <= 0 || slotCount <= 0 {
		return a
	}
	a.slab = make([]byte, slotSize*slotCount)
	a.free = make([]int, slotCount)
	for i := range a.free {
		a.free[i] = slotCount - 1 - i
	}
	a.reserve = slotCount/10 + 1
	if a.reserve > 10 {
		a.reserve = 10
	}
	return a
}

// allocSlot pops a pool slot for an n-byte allocation, returning the buffer
// with capacity clamped to the slot and the slot index. It returns a nil
// buffer when the request cannot be served from the pool.
func (a *arena) allocSlot(n int) ([]byte, int) {
	if n > a.slotSize || len(a.free) == 0 {
		return nil, -1
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.inUse++
	off := idx * a.slotSize
	buf := a.slab[off : off+n : off+a.slotSize]
	for i := range buf {
		buf[i] = 0
	}
	return buf, idx
}

// releaseSlot returns a slot to the free stack.
func (a *arena) releaseSlot(idx int) {
	a.free = append(a.free, idx)
	a.inUse--
}

// noteHeapAlloc and noteHeapFree maintain the overflow byte count for
// allocations that bypassed the pool.
func (a *arena) noteHeapAlloc(n int) { a.overflow += int64(n) }
func (a *arena) noteHeapFree(n int)  { a.overflow -= int64(n) }

// underPressure reports whether the pool is close to exhaustion. A fetch
// under pressure prefers recycling an existing page over drawing down the
// remaining slots.
func (a *arena) underPressure() bool {
	return a.slotSize > 0 && len(a.free) < a.reserve
}
