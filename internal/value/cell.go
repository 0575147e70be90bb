package value

// Cell is a shared, reference-counted box holding one Value. Cells back
// every boxed register slot and may be aliased by variables, container
// elements, and object fields. The engine is single-threaded, so the
// count needs no atomics.
type Cell struct {
	refs   int64
	pooled bool
	val    Value
}

// NewCell allocates a cell owning v with a reference count of one.
func NewCell(v Value) *Cell {
	return &Cell{refs: 1, val: v}
}

// Retain adds a reference and returns the same cell for chaining.
// Pooled small-integer cells are immortal and ignore counting.
func (c *Cell) Retain() *Cell {
	if !c.pooled {
		c.refs++
	}
	return c
}

// Release drops a reference. When the count reaches zero the payload is
// cleared so the backing allocation can be collected even if something
// still holds the cell header.
func (c *Cell) Release() {
	if c.pooled {
		return
	}
	c.refs--
	if c.refs <= 0 {
		c.refs = 0
		c.val = Value{}
	}
}

// Read returns the current value. Heap-backed kinds share the
// underlying allocation with the cell.
func (c *Cell) Read() Value {
	return c.val
}

// Write stores v into the cell, applying copy-on-write. This is the
// only place the uniqueness rule is enforced: a uniquely referenced
// cell is mutated in place, a shared cell keeps its old value for the
// remaining holders and the write lands in a fresh cell. The returned
// cell is the one now holding v; the caller must use it in place of c.
func (c *Cell) Write(v Value) *Cell {
	if c.refs == 1 && !c.pooled {
		c.val = v
		return c
	}
	if !c.pooled {
		c.refs--
	}
	return NewCell(v)
}

// IsUnique reports whether the cell has exactly one holder, i.e.
// whether Write would mutate it in place.
func (c *Cell) IsUnique() bool {
	return c.refs == 1
}

// RefCount returns the current reference count. Diagnostics only.
func (c *Cell) RefCount() int64 {
	return c.refs
}
