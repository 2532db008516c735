package pcache

import (
	errs "github.com/FocuswithJustin/pagecache/core/errors"
	"github.com/FocuswithJustin/pagecache/internal/logging"
)

// Client is implemented by the layer that owns a cache, usually a pager.
// Both callbacks are invoked with the registry mutex released.
type Client interface {
	// Stress asks the client to write one dirty page to durable storage
	// so it can be recycled. The page carries no outstanding references.
	// On success the cache marks it clean; on error the page stays dirty
	// and the allocation that triggered the stress proceeds without it.
	Stress(p *Page) error

	// PageDestroy tells the client to drop any cached interpretation of
	// the page content. Called when the last reference is released and
	// when a page changes identity through recycling.
	PageDestroy(p *Page)
}

// CacheOptions configures one cache.
type CacheOptions struct {
	// PageSize is the content size of every page. Required.
	PageSize int

	// ExtraBytes is the size of the per-page scratch area.
	ExtraBytes int

	// Purgeable marks the cache's pages as evictable under global
	// pressure. File-backed databases are purgeable; in-memory and temp
	// databases are not, because an evicted page could not be re-read.
	Purgeable bool

	// MaxPages is the soft limit on resident pages. Fetching beyond it
	// prefers recycling over growth but never fails on its own. Zero
	// selects DefaultMaxPages.
	MaxPages int

	// Client receives the stress and destroy callbacks. May be nil.
	Client Client
}

// Cache is the page cache for a single open database file. Its operations
// must be serialized by the caller; the registry's shared structures are
// the only state protected internally.
type Cache struct {
	reg        *Registry
	pageSize   int
	extraBytes int
	purgeable  bool
	nMax       int
	client     Client

	table  pageTable
	maxKey Pgno // largest page number fetched since the last Truncate

	cleanHead *Page
	cleanTail *Page
	dirtyHead *Page
	dirtyTail *Page
	nDirty    int

	nRecyclable int // pages from this cache on the global LRU
	nRefSum     int // sum of reference counts across resident pages

	inStress bool
	closed   bool
}

// OpenCache creates a cache drawing from the registry's shared pool.
func (r *Registry) OpenCache(opts CacheOptions) (*Cache, error) {
	if opts.PageSize <= 0 {
		return nil, errs.NewMisuse("Registry.OpenCache", "page size must be positive")
	}
	if opts.ExtraBytes < 0 {
		return nil, errs.NewMisuse("Registry.OpenCache", "negative extra bytes")
	}
	c := &Cache{
		reg:        r,
		pageSize:   opts.PageSize,
		extraBytes: opts.ExtraBytes,
		purgeable:  opts.Purgeable,
		nMax:       opts.MaxPages,
		client:     opts.Client,
	}
	if c.nMax == 0 {
		c.nMax = DefaultMaxPages
	}
	r.addCache(c)
	logging.CacheEvent("cache_opened",
		"page_size", opts.PageSize,
		"purgeable", opts.Purgeable)
	return c, nil
}

// SetMaxPages adjusts the soft resident-page limit.
func (c *Cache) SetMaxPages(n int) {
	if n <= 0 {
		n = DefaultMaxPages
	}
	c.reg.mu.Lock()
	c.nMax = n
	c.reg.mu.Unlock()
}

// Pagecount returns the number of resident pages.
func (c *Cache) Pagecount() int {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.table.n
}

// DirtyCount returns the number of dirty resident pages.
func (c *Cache) DirtyCount() int {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.nDirty
}

// RefSum returns the sum of reference counts across resident pages.
func (c *Cache) RefSum() int {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.nRefSum
}

// Fetch returns the page numbered pgno with a new reference held. A miss
// with create=false returns (nil, nil). A miss with create=true allocates
// or recycles a buffer; the new page's content is undefined except that
// Extra[0] is zero. Fetch fails with an AllocationError only when a hard
// page budget is exhausted and no page could be recycled or flushed.
func (c *Cache) Fetch(pgno Pgno, create bool) (*Page, error) {
	if pgno == 0 {
		return nil, errs.NewMisuse("Cache.Fetch", "page numbers start at 1")
	}
	r := c.reg
	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return nil, errs.NewMisuse("Cache.Fetch", "cache is closed")
	}
	if p := c.table.lookup(pgno); p != nil {
		if p.nRef == 0 && p.onLRU() {
			r.lruRemove(p)
			c.nRecyclable--
		}
		p.nRef++
		c.nRefSum++
		if pgno > c.maxKey {
			c.maxKey = pgno
		}
		r.mu.Unlock()
		return p, nil
	}
	if !create {
		r.mu.Unlock()
		return nil, nil
	}

	if c.table.full() {
		n := c.table.nextSize()
		r.mu.Unlock()
		newSlots := make([]*Page, n)
		r.mu.Lock()
		if c.table.full() {
			c.table.grow(newSlots)
		}
	}

	// A hard budget forces recycling; soft pressure merely prefers it.
	mustRecycle := r.overBudget(c)
	var p *Page
	if mustRecycle || c.table.n+1 > c.nMax || r.pool.underPressure() {
		p = r.recycleLocked(c)
	}
	if p == nil && mustRecycle {
		r.mu.Unlock()
		r.stressCaches()
		r.mu.Lock()
		p = r.recycleLocked(c)
		if p == nil && r.overBudget(c) {
			r.mu.Unlock()
			logging.CacheEvent("fetch_failed", "pgno", uint32(pgno))
			return nil, errs.NewAllocation(c.pageSize + c.extraBytes)
		}
	}
	if p == nil {
		r.mu.Unlock()
		p = r.allocPage(c)
		r.mu.Lock()
		r.nTotal++
		if c.purgeable {
			r.nPurgeable++
		}
	}

	p.Pgno = pgno
	p.flags = 0
	p.nRef = 1
	p.Dirty = nil
	if len(p.Extra) > 0 {
		p.Extra[0] = 0
	}
	c.table.insert(p)
	c.listAddClean(p)
	c.nRefSum++
	if pgno > c.maxKey {
		c.maxKey = pgno
	}
	r.mu.Unlock()
	return p, nil
}

// Release drops one reference. When the count reaches zero a clean page of
// a purgeable cache becomes recyclable, joining the LRU at the hot end, or
// at the cold end when reuseUnlikely is set. Releasing a page whose count
// is already zero is ignored.
func (c *Cache) Release(p *Page, reuseUnlikely bool) {
	r := c.reg
	r.mu.Lock()
	if p.nRef == 0 {
		r.mu.Unlock()
		return
	}
	p.nRef--
	c.nRefSum--
	if p.nRef > 0 {
		r.mu.Unlock()
		return
	}
	if c.client != nil {
		r.mu.Unlock()
		c.client.PageDestroy(p)
		r.mu.Lock()
	}
	if p.flags&flagDetached != 0 {
		r.freeLocked(p)
		r.mu.Unlock()
		return
	}
	if reuseUnlikely {
		p.flags |= flagUnlikely
	}
	if p.IsDirty() || !c.purgeable {
		r.mu.Unlock()
		return
	}
	if r.overCeiling(c) {
		c.table.remove(p)
		c.listRemove(p)
		r.freeLocked(p)
	} else if p.flags&flagUnlikely != 0 {
		r.lruAddTail(p)
		c.nRecyclable++
	} else {
		r.lruAddHead(p)
		c.nRecyclable++
	}
	r.mu.Unlock()
}

// MakeDirty moves a page to the dirty list. The caller holds a reference.
func (c *Cache) MakeDirty(p *Page) {
	r := c.reg
	r.mu.Lock()
	if !p.IsDirty() {
		c.listRemove(p)
		p.flags |= flagDirty
		c.listAddDirty(p)
	}
	r.mu.Unlock()
}

// MakeClean moves a page back to the clean list and drops its rollback
// snapshots. A clean unreferenced page of a purgeable cache immediately
// becomes recyclable.
func (c *Cache) MakeClean(p *Page) {
	r := c.reg
	r.mu.Lock()
	c.makeCleanLocked(p)
	r.mu.Unlock()
}

func (c *Cache) makeCleanLocked(p *Page) {
	if !p.IsDirty() {
		return
	}
	c.listRemove(p)
	p.flags &^= flagDirty
	p.dropSnapshots()
	c.listAddClean(p)
	if p.nRef == 0 && c.purgeable {
		if p.flags&flagUnlikely != 0 {
			c.reg.lruAddTail(p)
		} else {
			c.reg.lruAddHead(p)
		}
		c.nRecyclable++
	}
}

// CleanAll marks every dirty page clean, as after a commit.
func (c *Cache) CleanAll() {
	r := c.reg
	r.mu.Lock()
	for c.dirtyHead != nil {
		c.makeCleanLocked(c.dirtyHead)
	}
	r.mu.Unlock()
}

// Move rekeys p to newPgno, which must not be resident. Moving to page
// number zero instead detaches the page: it leaves the lookup structure
// immediately, is forced clean, and is freed when the caller's reference
// is released.
func (c *Cache) Move(p *Page, newPgno Pgno) {
	r := c.reg
	r.mu.Lock()
	if newPgno == 0 {
		c.listRemove(p)
		if p.IsDirty() {
			p.flags &^= flagDirty
		}
		p.dropSnapshots()
		c.table.remove(p)
		p.Pgno = 0
		p.flags |= flagDetached | flagUnlikely
		r.mu.Unlock()
		return
	}
	c.table.rekey(p, newPgno)
	if newPgno > c.maxKey {
		c.maxKey = newPgno
	}
	r.mu.Unlock()
}

// Drop removes a page from the cache entirely, consuming the caller's
// reference. The page is freed at once, dirty or not, and must not be
// used afterward.
func (c *Cache) Drop(p *Page) {
	r := c.reg
	r.mu.Lock()
	c.nRefSum -= p.nRef
	p.nRef = 0
	c.listRemove(p)
	p.flags &^= flagDirty
	p.dropSnapshots()
	c.table.remove(p)
	r.freeLocked(p)
	r.mu.Unlock()
}

// Truncate drops every resident page numbered above limit. Unreferenced
// pages are freed; referenced pages are detached with their content zeroed
// so a stale pointer cannot resurrect truncated data.
func (c *Cache) Truncate(limit Pgno) {
	r := c.reg
	r.mu.Lock()
	if limit >= c.maxKey {
		r.mu.Unlock()
		return
	}
	for _, head := range c.table.slots {
		p := head
		for p != nil {
			next := p.hashNext
			if p.Pgno > limit {
				if p.nRef == 0 {
					if p.onLRU() {
						r.lruRemove(p)
						c.nRecyclable--
					}
					c.table.remove(p)
					c.listRemove(p)
					r.freeLocked(p)
				} else {
					c.listRemove(p)
					if p.IsDirty() {
						p.flags &^= flagDirty
					}
					c.table.remove(p)
					for i := range p.Data {
						p.Data[i] = 0
					}
					p.dropSnapshots()
					p.flags |= flagDetached | flagUnlikely
				}
			}
			p = next
		}
	}
	c.maxKey = limit
	r.mu.Unlock()
}

// DirtyList returns the dirty pages linked through Page.Dirty in ascending
// page number order, or nil when the cache is clean. The links are valid
// until the next cache operation.
func (c *Cache) DirtyList() *Page {
	r := c.reg
	r.mu.Lock()
	var head *Page
	for p := c.dirtyHead; p != nil; p = p.listNext {
		p.Dirty = head
		head = p
	}
	head = sortDirty(head)
	r.mu.Unlock()
	return head
}

// Close frees every resident page, outstanding references included, and
// detaches the cache from its registry.
func (c *Cache) Close() {
	r := c.reg
	r.mu.Lock()
	for _, head := range c.table.slots {
		p := head
		for p != nil {
			next := p.hashNext
			if p.onLRU() {
				r.lruRemove(p)
			}
			r.freeLocked(p)
			p = next
		}
	}
	c.table.slots = nil
	c.table.n = 0
	c.cleanHead, c.cleanTail = nil, nil
	c.dirtyHead, c.dirtyTail = nil, nil
	c.nDirty = 0
	c.nRecyclable = 0
	c.nRefSum = 0
	c.closed = true
	r.mu.Unlock()
	r.removeCache(c)
	logging.CacheEvent("cache_closed")
}

// stressOne flushes the oldest unreferenced dirty page through the client.
// Called by the registry's stress broadcast with no mutex held.
func (c *Cache) stressOne() {
	r := c.reg
	r.mu.Lock()
	if c.inStress || c.closed {
		r.mu.Unlock()
		return
	}
	var victim *Page
	for p := c.dirtyHead; p != nil; p = p.listNext {
		if p.nRef == 0 {
			victim = p
			break
		}
	}
	if victim == nil {
		r.mu.Unlock()
		return
	}
	c.inStress = true
	r.mu.Unlock()

	err := c.client.Stress(victim)
	if err == nil {
		c.MakeClean(victim)
	} else {
		logging.CacheEvent("stress_failed", "pgno", uint32(victim.Pgno), "error", err)
	}

	r.mu.Lock()
	c.inStress = false
	r.mu.Unlock()
}

// Per-cache clean and dirty lists, registry mutex held. A hashed page is on
// exactly one of the two.

func (c *Cache) listAddClean(p *Page) {
	p.listPrev = c.cleanTail
	p.listNext = nil
	if c.cleanTail != nil {
		c.cleanTail.listNext = p
	} else {
		c.cleanHead = p
	}
	c.cleanTail = p
}

// listAddDirty appends to the dirty list, so the head is the page dirtied
// longest ago.
func (c *Cache) listAddDirty(p *Page) {
	p.listPrev = c.dirtyTail
	p.listNext = nil
	if c.dirtyTail != nil {
		c.dirtyTail.listNext = p
	} else {
		c.dirtyHead = p
	}
	c.dirtyTail = p
	c.nDirty++
}

func (c *Cache) listRemove(p *Page) {
	onDirty := p.IsDirty()
	if p.listPrev != nil {
		p.listPrev.listNext = p.listNext
	} else if onDirty {
		c.dirtyHead = p.listNext
	} else if c.cleanHead == p {
		c.cleanHead = p.listNext
	}
	if p.listNext != nil {
		p.listNext.listPrev = p.listPrev
	} else if onDirty {
		c.dirtyTail = p.listPrev
	} else if c.cleanTail == p {
		c.cleanTail = p.listPrev
	}
	p.listNext = nil
	p.listPrev = nil
	if onDirty {
		c.nDirty--
	}
}
