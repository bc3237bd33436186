package pipeline

import "sort"

// span is a half-open byte range [start, end).
type span struct {
	start, end uint64
}

// coverage records the byte ranges of an image that were written at least
// once. Spans are sorted and never touch each other.
type coverage struct {
	spans []span
}

// add marks [start, end) as written and returns how many of those bytes
// were not written before.
func (c *coverage) add(start, end uint64) uint64 {
	if start >= end {
		return 0
	}

	// First span that ends at or after start; everything before it is
	// disjoint and not adjacent.
	i := sort.Search(len(c.spans), func(i int) bool { return c.spans[i].end >= start })

	write := span{start, end}
	merged := write
	added := end - start
	j := i
	for ; j < len(c.spans) && c.spans[j].start <= end; j++ {
		s := c.spans[j]
		added -= overlap(s, write)
		merged.start = min(merged.start, s.start)
		merged.end = max(merged.end, s.end)
	}

	c.spans = append(c.spans[:i], append([]span{merged}, c.spans[j:]...)...)
	return added
}

// overlap returns the number of bytes s shares with r.
func overlap(s, r span) uint64 {
	lo, hi := max(s.start, r.start), min(s.end, r.end)
	if lo >= hi {
		return 0
	}
	return hi - lo
}

// covered returns the number of distinct bytes written.
func (c *coverage) covered() uint64 {
	var n uint64
	for _, s := range c.spans {
		n += s.end - s.start
	}
	return n
}
