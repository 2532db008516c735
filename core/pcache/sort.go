package pcache

// sortBuckets bounds the merge sort below. With doubling bucket sizes this
// handles lists of up to 2^31 pages; an overflowing list collapses into the
// last bucket and comes out merely mostly sorted, which callers tolerate.
const sortBuckets = 32

// mergeDirty combines two lists already sorted by ascending page number.
func mergeDirty(a, b *Page) *Page {
	var head Page
	tail := &head
	for a != nil && b != nil {
		if a.Pgno < b.Pgno {
			tail.Dirty = a
			tail = a
			a = a.Dirty
		} else {
			tail.Dirty = b
			tail = b
			b = b.Dirty
		}
	}
	if a != nil {
		tail.Dirty = a
	} else {
		tail.Dirty = b
	}
	return head.Dirty
}

// sortDirty sorts a Dirty-linked list by ascending page number using
// bucketed merging, insertion-sort style across power-of-two sized runs.
func sortDirty(in *Page) *Page {
	var bucket [sortBuckets]*Page
	for in != nil {
		p := in
		in = in.Dirty
		p.Dirty = nil
		i := 0
		for ; i < sortBuckets-1; i++ {
			if bucket[i] == nil {
				bucket[i] = p
				break
			}
			p = mergeDirty(bucket[i], p)
			bucket[i] = nil
		}
		if i == sortBuckets-1 {
			bucket[i] = mergeDirty(bucket[i], p)
		}
	}
	out := bucket[0]
	for i := 1; i < sortBuckets; i++ {
		out = mergeDirty(out, bucket[i])
	}
	return out
}
