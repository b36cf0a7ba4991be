// Package stream turns the packet-oriented reliable layer into the byte
// stream presented to the user: two ring buffers per session plus
// fragmentation of pending bytes into reliable-window slots.
package stream

// DefaultRingSize is the per-direction buffer capacity. Must be a power of
// two; one byte of slack distinguishes full from empty.
const DefaultRingSize = 64 * 1024

// Ring is a fixed-capacity circular byte buffer. Not safe for concurrent
// use; the session serializes all access.
type Ring struct {
	data []byte
	head int // read index
	tail int // write index
}

// NewRing allocates a ring of the given power-of-two size.
func NewRing(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		size = DefaultRingSize
	}
	return &Ring{data: make([]byte, size)}
}

// Used returns the number of readable bytes.
func (r *Ring) Used() int {
	return (r.tail - r.head + len(r.data)) & (len(r.data) - 1)
}

// Free returns the number of writable bytes.
func (r *Ring) Free() int {
	return len(r.data) - 1 - r.Used()
}

// Write copies as much of p as fits and returns the count (short write on
// a full ring, never an error).
func (r *Ring) Write(p []byte) int {
	n := len(p)
	if free := r.Free(); n > free {
		n = free
	}
	for i := 0; i < n; i++ {
		r.data[r.tail] = p[i]
		r.tail = (r.tail + 1) & (len(r.data) - 1)
	}
	return n
}

// Read copies up to len(p) bytes out and returns the count (0 when empty).
func (r *Ring) Read(p []byte) int {
	n := r.Peek(p)
	r.Skip(n)
	return n
}

// Peek copies up to len(p) bytes without consuming them.
func (r *Ring) Peek(p []byte) int {
	n := len(p)
	if used := r.Used(); n > used {
		n = used
	}
	idx := r.head
	for i := 0; i < n; i++ {
		p[i] = r.data[idx]
		idx = (idx + 1) & (len(r.data) - 1)
	}
	return n
}

// Skip consumes n bytes (clamped to what is buffered).
func (r *Ring) Skip(n int) {
	if used := r.Used(); n > used {
		n = used
	}
	r.head = (r.head + n) & (len(r.data) - 1)
}
