/*
Package backup copies the content of one database to another while the
source stays live, in the manner of SQLite's online backup API.

This package is a pure Go implementation based on SQLite source code.
SQLite is in the public domain: https://sqlite.org/copyright.html

A Session copies source pages in page-number order, a batch per Step call,
so the work can be spread over time with readers untouched in between. The
session registers itself with the source pager: when a source transaction
commits a page the session has already copied, that page is re-copied on
the spot, and when a source transaction rolls back the session restarts
from the beginning. The copy that finally lands in the destination is
therefore a consistent snapshot of the source at the moment the last Step
returned Done, no matter how often the source changed along the way.

The destination is held exclusively for the whole session and written
inside a single transaction: a session that fails or is abandoned leaves
the destination exactly as it was.

Source and destination may use different page sizes. Each source page is
then scattered into, or gathered from, the overlapping destination pages,
the destination file is cut to the source's exact byte length, and the
stretch of real data that would have landed inside the destination's lock
page is re-copied around it. The finished file is a database with the
source's page size regardless of what the destination started with, so
the destination pager must be reopened after a cross-page-size copy.

Step holds the source pager's compound-operation lock for its whole
duration, so writers on other goroutines serialize against the copy loop
rather than interleaving with it. A step taken while the source has a
write transaction open returns Busy; retry once the transaction commits
or rolls back.
*/
package backup
