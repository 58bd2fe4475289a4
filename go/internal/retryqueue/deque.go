package retryqueue

// deque is a fixed-capacity ring of entries ordered oldest first. Pushing
// onto a full ring is the caller's job to prevent; popFront is O(1).
type deque[T any] struct {
	buf  []*entry[T]
	head int
	size int
}

func newDeque[T any](capacity int) *deque[T] {
	return &deque[T]{buf: make([]*entry[T], capacity)}
}

func (d *deque[T]) len() int { return d.size }

func (d *deque[T]) full() bool { return d.size == len(d.buf) }

func (d *deque[T]) pushBack(e *entry[T]) {
	d.buf[(d.head+d.size)%len(d.buf)] = e
	d.size++
}

func (d *deque[T]) popFront() *entry[T] {
	if d.size == 0 {
		return nil
	}
	e := d.buf[d.head]
	d.buf[d.head] = nil
	d.head = (d.head + 1) % len(d.buf)
	d.size--
	return e
}

func (d *deque[T]) at(i int) *entry[T] {
	return d.buf[(d.head+i)%len(d.buf)]
}

// retain keeps entries for which keep returns true, preserving order.
func (d *deque[T]) retain(keep func(*entry[T]) bool) {
	n := 0
	for i := 0; i < d.size; i++ {
		e := d.at(i)
		if keep(e) {
			d.buf[(d.head+n)%len(d.buf)] = e
			n++
		}
	}
	for i := n; i < d.size; i++ {
		d.buf[(d.head+i)%len(d.buf)] = nil
	}
	d.size = n
}
