package updates

// ring is a fixed-capacity buffer that evicts its oldest entry when full.
type ring[T any] struct {
	items []T
	head  int // index of the next write
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if len(r.items) == 0 {
		return
	}
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// newestFirst returns a copy ordered from the latest push backwards.
func (r *ring[T]) newestFirst() []T {
	out := make([]T, 0, r.size)
	for i := 1; i <= r.size; i++ {
		idx := (r.head - i + len(r.items)) % len(r.items)
		out = append(out, r.items[idx])
	}
	return out
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}
