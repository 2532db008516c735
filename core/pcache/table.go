package pcache

// minTableSize is the smallest bucket count allocated for a cache's hash
// table. The table doubles whenever the live entry count reaches the bucket
// count, keeping chains short.
const minTableSize = 256

// pageTable maps page numbers to resident pages with chained hashing.
// All access happens with the registry mutex held, except that growth
// allocation is performed by the caller with the mutex released and handed
// in via grow.
type pageTable struct {
	slots []*Page
	n     int
}

func (t *pageTable) bucket(pgno Pgno) int {
	return int(pgno) % len(t.slots)
}

// full reports whether the next insert should be preceded by growth.
func (t *pageTable) full() bool {
	return len(t.slots) == 0 || t.n >= len(t.slots)
}

// nextSize returns the bucket count a growth should allocate.
func (t *pageTable) nextSize() int {
	if len(t.slots) == 0 {
		return minTableSize
	}
	return len(t.slots) * 2
}

// grow rehashes every entry into newSlots, which the caller allocated
// without holding the registry mutex.
func (t *pageTable) grow(newSlots []*Page) {
	old := t.slots
	t.slots = newSlots
	for _, p := range old {
		for p != nil {
			next := p.hashNext
			h := t.bucket(p.Pgno)
			p.hashNext = t.slots[h]
			t.slots[h] = p
			p = next
		}
	}
}

func (t *pageTable) lookup(pgno Pgno) *Page {
	if len(t.slots) == 0 {
		return nil
	}
	for p := t.slots[t.bucket(pgno)]; p != nil; p = p.hashNext {
		if p.Pgno == pgno {
			return p
		}
	}
	return nil
}

// insert adds p to the table. The caller has verified pgno is not present
// and that the table is not full.
func (t *pageTable) insert(p *Page) {
	h := t.bucket(p.Pgno)
	p.hashNext = t.slots[h]
	t.slots[h] = p
	t.n++
}

// remove unlinks p from its chain.
func (t *pageTable) remove(p *Page) {
	pp := &t.slots[t.bucket(p.Pgno)]
	for *pp != p {
		pp = &(*pp).hashNext
	}
	*pp = p.hashNext
	p.hashNext = nil
	t.n--
}

// rekey moves p to a new page number. The caller guarantees the new number
// is not already present.
func (t *pageTable) rekey(p *Page, pgno Pgno) {
	t.remove(p)
	p.Pgno = pgno
	t.insert(p)
}
