package pcache

// Pgno is a page number. Pages are numbered from 1; page number 0 is never
// stored and is reserved as the detach sentinel for Move.
type Pgno uint32

// Page flags.
const (
	// flagDirty marks a page whose content differs from durable storage.
	// Dirty pages live on their cache's dirty list and never on the LRU.
	flagDirty uint16 = 1 << iota

	// flagUnlikely marks a page the caller declared unlikely to be needed
	// again. Such pages join the LRU at the recycling end.
	flagUnlikely

	// flagDetached marks a page removed from its cache's lookup structure
	// by Move(p, 0). The caller's reference keeps it alive; it is freed
	// when that reference is released.
	flagDetached
)

// Page is one cached database page. The caller owns Data and Extra for as
// long as it holds a reference. Extra is a fixed-size side allocation the
// client layer uses for its per-page bookkeeping; it is carved from the same
// buffer as Data so a page is always a single allocation.
type Page struct {
	// Pgno is the page's current number within its cache. Zero after a
	// detaching Move.
	Pgno Pgno

	// Data is the page content, exactly PageSize bytes.
	Data []byte

	// Extra is the client's per-page scratch area, ExtraBytes long.
	// Extra[0] is zeroed whenever the page takes on a new identity.
	Extra []byte

	// Dirty links the list returned by Cache.DirtyList. Valid only until
	// the next cache operation.
	Dirty *Page

	flags uint16
	nRef  int
	buf   []byte // whole allocation; Data and Extra are views into it
	slot  int    // arena slot index, -1 for heap allocations
	cache *Cache

	hashNext *Page

	// Global LRU list, registry mutex held.
	lruNext *Page
	lruPrev *Page

	// Per-cache clean or dirty list, exactly one at a time while the page
	// is hashed.
	listNext *Page
	listPrev *Page

	// Pre-modification snapshots for statement- and transaction-level
	// rollback of databases with no journal to replay. Cleared when the
	// page is cleaned.
	savedStmt []byte
	savedTx   []byte
}

// IsDirty reports whether the page is on its cache's dirty list.
func (p *Page) IsDirty() bool { return p.flags&flagDirty != 0 }

// RefCount returns the number of outstanding references.
func (p *Page) RefCount() int { return p.nRef }

// Cache returns the cache the page was fetched from.
func (p *Page) Cache() *Cache { return p.cache }

// SaveStatement snapshots the current content for statement rollback.
// Callers snapshot before modifying the buffer.
func (p *Page) SaveStatement() {
	p.savedStmt = append(p.savedStmt[:0], p.Data...)
}

// RestoreStatement copies the statement snapshot back into the page and
// reports whether a snapshot existed. The snapshot is retained so a later
// statement rollback within the same transaction sees the same content.
func (p *Page) RestoreStatement() bool {
	if p.savedStmt == nil {
		return false
	}
	copy(p.Data, p.savedStmt)
	return true
}

// DiscardStatement drops the statement snapshot, if any.
func (p *Page) DiscardStatement() { p.savedStmt = nil }

// SaveTransaction snapshots the current content for transaction rollback.
func (p *Page) SaveTransaction() {
	p.savedTx = append(p.savedTx[:0], p.Data...)
}

// RestoreTransaction copies the transaction snapshot back into the page and
// reports whether a snapshot existed.
func (p *Page) RestoreTransaction() bool {
	if p.savedTx == nil {
		return false
	}
	copy(p.Data, p.savedTx)
	return true
}

// DiscardTransaction drops the transaction snapshot, if any.
func (p *Page) DiscardTransaction() { p.savedTx = nil }

func (p *Page) dropSnapshots() {
	p.savedStmt = nil
	p.savedTx = nil
}
