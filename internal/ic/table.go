package ic

// Table holds the caches of one chunk, one per instruction offset that
// executes a cached operation. Sites materialize lazily on first
// execution.
type Table struct {
	sites map[int]*BinaryCache
}

func NewTable() *Table {
	return &Table{sites: make(map[int]*BinaryCache)}
}

// Site returns the cache for an instruction offset, creating it on
// first use.
func (t *Table) Site(offset int) *BinaryCache {
	c, ok := t.sites[offset]
	if !ok {
		c = &BinaryCache{}
		t.sites[offset] = c
	}
	return c
}

// Len returns the number of materialized sites.
func (t *Table) Len() int { return len(t.sites) }

// TotalStats sums hit and miss counts across all sites.
func (t *Table) TotalStats() (hits, misses uint64) {
	for _, c := range t.sites {
		h, m := c.Stats()
		hits += h
		misses += m
	}
	return hits, misses
}
