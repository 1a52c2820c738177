// Package pool provides a bounded-capacity freelist for hot fixed-shape
// objects. Stream and write-request churn on a busy HTTP/2 connection is
// extremely high; recycling these small structures amortizes allocator cost.
package pool

// Freelist recycles objects of type T up to a fixed capacity. It performs no
// clearing of its own: callers must fully reinitialize an object after Pop.
// A Freelist is scoped to a single connection's thread of control and is not
// safe for concurrent use.
type Freelist[T any] struct {
	max   int
	items []T
	alloc func() T
}

// New creates a Freelist holding at most max recycled instances. alloc is
// invoked whenever Pop finds the list empty.
func New[T any](max int, alloc func() T) *Freelist[T] {
	return &Freelist[T]{
		max:   max,
		items: make([]T, 0, max),
		alloc: alloc,
	}
}

// Pop returns a recycled instance if one is available, else a fresh one.
func (f *Freelist[T]) Pop() T {
	if n := len(f.items); n > 0 {
		item := f.items[n-1]
		var zero T
		f.items[n-1] = zero
		f.items = f.items[:n-1]
		return item
	}
	return f.alloc()
}

// Push returns an instance to the list. Instances beyond the capacity bound
// are dropped and left to the garbage collector.
func (f *Freelist[T]) Push(item T) {
	if len(f.items) >= f.max {
		return
	}
	f.items = append(f.items, item)
}

// Len reports the number of recycled instances currently held.
func (f *Freelist[T]) Len() int { return len(f.items) }

// Cap reports the capacity bound.
func (f *Freelist[T]) Cap() int { return f.max }
