package pcache

import (
	"sync"

	errs "github.com/FocuswithJustin/pagecache/core/errors"
	"github.com/FocuswithJustin/pagecache/internal/logging"
)

// DefaultMaxPages is the per-cache soft limit used when CacheOptions.MaxPages
// is zero.
const DefaultMaxPages = 2000

// locker abstracts the mutexes so a single-threaded registry can skip
// locking entirely.
type locker interface {
	Lock()
	Unlock()
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// Config controls a Registry's memory budget and locking.
type Config struct {
	// MaxPage caps the total page count across every cache. Zero means
	// uncapped; PurgeableMaxPage then governs purgeable caches alone.
	MaxPage int

	// PurgeableMaxPage caps the page count across purgeable caches when
	// MaxPage is zero. Zero means uncapped.
	PurgeableMaxPage int

	// ArenaSlotSize and ArenaSlotCount size the preallocated page buffer
	// pool. Both zero disables the pool and every page is heap allocated.
	ArenaSlotSize  int
	ArenaSlotCount int

	// Threadsafe selects real mutexes. Leave false for single-goroutine
	// use to skip all locking.
	Threadsafe bool
}

// Registry owns the structures shared by a set of caches: the global LRU
// list of recyclable pages, the page budget, the buffer pool, and the list
// of open caches used for the stress broadcast.
type Registry struct {
	mu       locker // LRU list, counters, arena
	cachesMu locker // open-cache list
	caches   []*Cache

	lruHead *Page
	lruTail *Page

	nTotal     int // live pages across all caches
	nPurgeable int // subset belonging to purgeable caches

	maxPage      int
	purgeableMax int

	pool *arena
}

// NewRegistry builds a registry from cfg.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		mu:           noopLocker{},
		cachesMu:     noopLocker{},
		maxPage:      cfg.MaxPage,
		purgeableMax: cfg.PurgeableMaxPage,
		pool:         newArena(cfg.ArenaSlotSize, cfg.ArenaSlotCount),
	}
	if cfg.Threadsafe {
		r.mu = &sync.Mutex{}
		r.cachesMu = &sync.Mutex{}
	}
	return r
}

// Close tears the registry down. Every cache must already be closed.
func (r *Registry) Close() error {
	r.cachesMu.Lock()
	n := len(r.caches)
	r.cachesMu.Unlock()
	if n != 0 {
		return errs.NewMisuse("Registry.Close", "caches still open")
	}
	r.mu.Lock()
	r.lruHead = nil
	r.lruTail = nil
	r.pool = newArena(0, 0)
	r.mu.Unlock()
	return nil
}

// SetMaxPage adjusts the global page ceiling and evicts recyclable pages
// until the new budget is met.
func (r *Registry) SetMaxPage(n int) {
	r.mu.Lock()
	r.maxPage = n
	r.enforceBudget()
	r.mu.Unlock()
}

// SetPurgeableMaxPage adjusts the purgeable-cache ceiling used when no
// global ceiling is set, and evicts down to it.
func (r *Registry) SetPurgeableMaxPage(n int) {
	r.mu.Lock()
	r.purgeableMax = n
	r.enforceBudget()
	r.mu.Unlock()
}

// ReleaseMemory frees recyclable pages until at least nBytes have been
// returned or the LRU list is empty, and returns the number of bytes freed.
func (r *Registry) ReleaseMemory(nBytes int) int {
	freed := 0
	r.mu.Lock()
	for freed < nBytes && r.lruTail != nil {
		p := r.lruTail
		owner := p.cache
		freed += owner.pageSize + owner.extraBytes
		r.evictLocked(p)
	}
	r.mu.Unlock()
	if freed > 0 {
		logging.CacheEvent("memory_released", "bytes", freed)
	}
	return freed
}

// Stats reports the registry's current memory accounting.
type Stats struct {
	TotalPages      int
	PurgeablePages  int
	RecyclablePages int
	PoolSlotSize    int
	PoolSlotCount   int
	PoolSlotsInUse  int
	OverflowBytes   int64
}

// Stats returns a snapshot of the shared counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		TotalPages:     r.nTotal,
		PurgeablePages: r.nPurgeable,
		PoolSlotSize:   r.pool.slotSize,
		PoolSlotsInUse: r.pool.inUse,
		OverflowBytes:  r.pool.overflow,
	}
	if r.pool.slotSize > 0 {
		s.PoolSlotCount = r.pool.inUse + len(r.pool.free)
	}
	for p := r.lruHead; p != nil; p = p.lruNext {
		s.RecyclablePages++
	}
	return s
}

// lru helpers, registry mutex held. A page is on the list iff it is clean,
// unreferenced, hashed, and belongs to a purgeable cache.

func (r *Registry) lruAddHead(p *Page) {
	p.lruPrev = nil
	p.lruNext = r.lruHead
	if r.lruHead != nil {
		r.lruHead.lruPrev = p
	} else {
		r.lruTail = p
	}
	r.lruHead = p
}

func (r *Registry) lruAddTail(p *Page) {
	p.lruNext = nil
	p.lruPrev = r.lruTail
	if r.lruTail != nil {
		r.lruTail.lruNext = p
	} else {
		r.lruHead = p
	}
	r.lruTail = p
}

func (r *Registry) lruRemove(p *Page) {
	if p.lruPrev != nil {
		p.lruPrev.lruNext = p.lruNext
	} else {
		r.lruHead = p.lruNext
	}
	if p.lruNext != nil {
		p.lruNext.lruPrev = p.lruPrev
	} else {
		r.lruTail = p.lruPrev
	}
	p.lruNext = nil
	p.lruPrev = nil
}

func (p *Page) onLRU() bool {
	return p.lruNext != nil || p.lruPrev != nil ||
		(p.cache != nil && p.cache.reg.lruHead == p)
}

// overBudget reports whether allocating one more page for c would exceed a
// ceiling that must be enforced by recycling rather than heap growth.
func (r *Registry) overBudget(c *Cache) bool {
	if r.maxPage > 0 {
		return r.nTotal >= r.maxPage
	}
	if c.purgeable && r.purgeableMax > 0 {
		return r.nPurgeable >= r.purgeableMax
	}
	return false
}

// overCeiling reports whether the current page count already exceeds a
// ceiling, in which case a page released to zero references is freed
// outright instead of joining the LRU.
func (r *Registry) overCeiling(c *Cache) bool {
	if r.maxPage > 0 && r.nTotal > r.maxPage {
		return true
	}
	if r.maxPage == 0 && c.purgeable && r.purgeableMax > 0 && r.nPurgeable > r.purgeableMax {
		return true
	}
	return false
}

// enforceBudget evicts from the LRU tail until every ceiling is satisfied.
func (r *Registry) enforceBudget() {
	for r.lruTail != nil {
		over := (r.maxPage > 0 && r.nTotal > r.maxPage) ||
			(r.maxPage == 0 && r.purgeableMax > 0 && r.nPurgeable > r.purgeableMax)
		if !over {
			return
		}
		r.evictLocked(r.lruTail)
	}
}

// evictLocked removes a recyclable page from its cache and frees its
// buffer. Registry mutex held.
func (r *Registry) evictLocked(p *Page) {
	owner := p.cache
	r.lruRemove(p)
	owner.nRecyclable--
	owner.table.remove(p)
	owner.listRemove(p)
	r.freeLocked(p)
}

// freeLocked returns p's buffer and updates the counters. The page is
// already off every list. Registry mutex held.
func (r *Registry) freeLocked(p *Page) {
	owner := p.cache
	size := owner.pageSize + owner.extraBytes
	if p.slot >= 0 {
		r.pool.releaseSlot(p.slot)
	} else {
		r.pool.noteHeapFree(size)
	}
	r.nTotal--
	if owner.purgeable {
		r.nPurgeable--
	}
	p.buf = nil
	p.Data = nil
	p.Extra = nil
	p.cache = nil
	p.dropSnapshots()
}

// recycleLocked detaches the LRU tail page for reuse by cache c. It returns
// nil when the list is empty or when the tail's buffer size does not match
// c's; a mismatched page is freed so the caller's heap fallback makes
// progress. Registry mutex held.
func (r *Registry) recycleLocked(c *Cache) *Page {
	p := r.lruTail
	if p == nil {
		return nil
	}
	owner := p.cache
	r.lruRemove(p)
	owner.nRecyclable--
	owner.table.remove(p)
	owner.listRemove(p)
	if owner.pageSize+owner.extraBytes != c.pageSize+c.extraBytes {
		r.freeLocked(p)
		return nil
	}
	if owner.purgeable && !c.purgeable {
		r.nPurgeable--
	} else if !owner.purgeable && c.purgeable {
		r.nPurgeable++
	}
	p.cache = c
	p.Data = p.buf[:c.pageSize:c.pageSize]
	p.Extra = p.buf[c.pageSize : c.pageSize+c.extraBytes : c.pageSize+c.extraBytes]
	p.dropSnapshots()
	return p
}

// allocPage builds a fresh page for cache c, preferring the pool. Called
// without the registry mutex; the pool bookkeeping takes it briefly.
func (r *Registry) allocPage(c *Cache) *Page {
	n := c.pageSize + c.extraBytes
	r.mu.Lock()
	buf, slot := r.pool.allocSlot(n)
	r.mu.Unlock()
	if buf == nil {
		buf = make([]byte, n)
		slot = -1
		r.mu.Lock()
		r.pool.noteHeapAlloc(n)
		r.mu.Unlock()
	}
	return &Page{
		buf:   buf,
		Data:  buf[:c.pageSize:c.pageSize],
		Extra: buf[c.pageSize:n:n],
		slot:  slot,
		cache: c,
	}
}

// stressCaches asks open purgeable caches to flush one dirty page each
// until the LRU list is non-empty. Called with the registry mutex released
// because the flush re-enters cache operations.
func (r *Registry) stressCaches() {
	r.cachesMu.Lock()
	caches := make([]*Cache, len(r.caches))
	copy(caches, r.caches)
	r.cachesMu.Unlock()

	for _, c := range caches {
		if !c.purgeable || c.client == nil {
			continue
		}
		c.stressOne()
		r.mu.Lock()
		gained := r.lruTail != nil
		r.mu.Unlock()
		if gained {
			return
		}
	}
}

func (r *Registry) addCache(c *Cache) {
	r.cachesMu.Lock()
	r.caches = append(r.caches, c)
	r.cachesMu.Unlock()
}

func (r *Registry) removeCache(c *Cache) {
	r.cachesMu.Lock()
	for i, o := range r.caches {
		if o == c {
			r.caches = append(r.caches[:i], r.caches[i+1:]...)
			break
		}
	}
	r.cachesMu.Unlock()
}
