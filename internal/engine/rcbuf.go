package engine

import "github.com/jasnell/http2-1/internal/pool"

// RcBuf is a shared-ownership handle over engine-interned header name/value
// storage. Callbacks that capture a header beyond the callback's own frame
// must Incref the handle and Decref exactly once when done; the backing
// storage stays valid until the last reference is released.
type RcBuf struct {
	s     string
	refs  int32
	table *internTable
}

// String returns the interned text.
func (b *RcBuf) String() string { return b.s }

// Len returns the length of the interned text in bytes.
func (b *RcBuf) Len() int { return len(b.s) }

// Incref acquires an additional reference.
func (b *RcBuf) Incref() { b.refs++ }

// Decref releases one reference. When the count drops to zero the entry is
// evicted from the engine's cache and the handle recycled.
func (b *RcBuf) Decref() {
	b.refs--
	if b.refs <= 0 {
		b.table.release(b)
	}
}

// internTable is the engine's cache of header name/value strings. Repeated
// header fields on one connection share a single entry.
type internTable struct {
	entries map[string]*RcBuf
	free    *pool.Freelist[*RcBuf]
}

func newInternTable(capacity int) *internTable {
	t := &internTable{
		entries: make(map[string]*RcBuf),
	}
	t.free = pool.New(capacity, func() *RcBuf { return &RcBuf{} })
	return t
}

func (t *internTable) get(s string) *RcBuf {
	if b, ok := t.entries[s]; ok {
		return b
	}
	b := t.free.Pop()
	b.s = s
	b.refs = 0
	b.table = t
	t.entries[s] = b
	return b
}

// releaseIfUnused drops an entry that no callback captured. Safe to call
// twice with the same handle when a field's name and value intern equal.
func (t *internTable) releaseIfUnused(b *RcBuf) {
	if b.refs > 0 {
		return
	}
	if t.entries[b.s] != b {
		return
	}
	t.release(b)
}

func (t *internTable) release(b *RcBuf) {
	delete(t.entries, b.s)
	b.s = ""
	b.refs = 0
	t.free.Push(b)
}
