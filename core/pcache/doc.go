/*
Package pcache implements the page cache shared by every open database file.

This package is a pure Go implementation based on SQLite source code.
SQLite is in the public domain: https://sqlite.org/copyright.html

Each open database file owns one Cache. All Caches created from the same
Registry share a single pool of memory: a global LRU list of clean,
unreferenced pages that may be recycled to satisfy allocations in any cache
once the configured page budget is reached, and an optional preallocated
arena that services page-sized allocations without touching the heap.

# Page Lifecycle

A page is created on the first Fetch with create=true for an unseen page
number, and returned with one reference held. While referenced it is pinned:
it cannot be recycled or evicted. When the last reference is released a clean
page joins the global LRU list; a dirty page instead stays only on its
cache's dirty list and is never eligible for recycling until it has been
cleaned (flushed by the owning layer). A page recycled from the LRU tail is
given a new identity: new page number, possibly a new owning cache, content
undefined until re-read.

# Memory Budget

Two ceilings govern allocation. If MaxPage is set it caps the total page
count across every cache uniformly. Otherwise PurgeableMaxPage caps only the
caches opened with Purgeable=true; non-purgeable caches (in-memory and temp
databases whose pages have no backing store to re-read from) are expected to
self-limit through their per-cache MaxPages setting.

When the budget is exceeded and the LRU list is empty, the registry asks
each open purgeable cache in turn to flush one of its own dirty pages via
the Client.Stress callback, stopping as soon as a page becomes recyclable.
A fetch that still cannot obtain a page fails with an AllocationError; the
caller is expected to abort the in-progress operation. There is no internal
retry.

# Locking

A single registry mutex guards the LRU list, the page counters, and the
arena free list. A second mutex guards the list of open caches so the stress
broadcast never blocks on a long-running per-cache operation. The actual
memory allocation, hash table growth, and all client callbacks happen with
the registry mutex released, because the general-purpose allocator may
itself trigger reclamation. Operations on a single cache are expected to be
serialized by the caller (one goroutine per open database file); only the
shared structures are protected here. A Registry built with Threadsafe=false
replaces both mutexes with no-op locks.
*/
package pcache
