/*
Package pager provides transactional page-level access to a database file
in the SQLite 3 file format.

This package is a pure Go implementation based on SQLite source code.
SQLite is in the public domain: https://sqlite.org/copyright.html

A Pager owns one file and one cache from a shared pcache.Registry. Reads
go through Get, which pins a page in the cache and lazily fills it from
disk. Writes follow the classic rollback-journal protocol:

 1. Write journals the page's original content, once per transaction,
    and marks the cached page dirty.
 2. CommitPhaseOne syncs the journal, flushes dirty pages in page-number
    order, truncates the file to the committed image, and syncs it.
 3. CommitPhaseTwo deletes the journal, making the commit final.

A crash between the phases leaves a hot journal; the next Open replays it,
restoring the pre-transaction image. Rollback performs the same replay on
demand.

The split commit exists for the backup engine, which needs to interleave
raw file fixups between the flush and the journal removal when copying
between databases of different page sizes. The backup engine also attaches
BackupObservers to a source pager, learning of page writes and rollbacks
as they happen, and takes an exclusive hold on a destination pager through
LockForBackup so ordinary readers and writers see ErrBusy for the duration
of a copy.

The page containing the pending-byte lock offset is a hole in the file:
never read, never written, skipped during commits. Options.PendingByte
relocates it so small test databases can cover the code paths around it.
*/
package pager
