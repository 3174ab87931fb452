// Package ringbuf provides a fixed-capacity sliding window over float64
// samples. Push is O(1) and never allocates: once the window is full each
// push overwrites the oldest sample in place.
//
// A Buffer is not safe for concurrent use.
package ringbuf

import (
	"fmt"
	"math"
)

// Buffer is a circular window of the most recent Cap() samples.
// Index 0 addresses the oldest retained sample, Len()-1 the newest.
type Buffer struct {
	buf   []float64 // preallocated backing array, len == capacity
	head  int       // position of the oldest sample
	count int       // logical length, 0..len(buf)
}

// New creates a buffer holding at most capacity samples.
// It panics if capacity < 1.
func New(capacity int) *Buffer {
	if capacity < 1 {
		panic(fmt.Sprintf("ringbuf: capacity must be >= 1, got %d", capacity))
	}
	return &Buffer{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest sample when the buffer is full.
func (b *Buffer) Push(v float64) {
	n := len(b.buf)
	if b.count < n {
		b.buf[(b.head+b.count)%n] = v
		b.count++
		return
	}
	b.buf[b.head] = v
	b.head = (b.head + 1) % n
}

// Evicting reports the sample the next Push will overwrite.
// ok is false while the buffer still has free slots.
func (b *Buffer) Evicting() (v float64, ok bool) {
	if b.count < len(b.buf) {
		return 0, false
	}
	return b.buf[b.head], true
}

// Clear empties the buffer. Capacity is unchanged.
func (b *Buffer) Clear() {
	for i := range b.buf {
		b.buf[i] = 0
	}
	b.head = 0
	b.count = 0
}

// At returns the i-th oldest retained sample.
// It panics if i is outside [0, Len()).
func (b *Buffer) At(i int) float64 {
	if i < 0 || i >= b.count {
		panic(fmt.Sprintf("ringbuf: index %d out of range [0,%d)", i, b.count))
	}
	return b.buf[(b.head+i)%len(b.buf)]
}

// Get is the non-panicking form of At.
func (b *Buffer) Get(i int) (float64, bool) {
	if i < 0 || i >= b.count {
		return 0, false
	}
	return b.buf[(b.head+i)%len(b.buf)], true
}

// Oldest returns the oldest retained sample, or NaN when empty.
func (b *Buffer) Oldest() float64 {
	if b.count == 0 {
		return math.NaN()
	}
	return b.buf[b.head]
}

// Newest returns the most recently pushed sample, or NaN when empty.
func (b *Buffer) Newest() float64 {
	if b.count == 0 {
		return math.NaN()
	}
	return b.buf[(b.head+b.count-1)%len(b.buf)]
}

// Len returns the number of retained samples.
func (b *Buffer) Len() int { return b.count }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// IsFull reports whether Cap() samples are retained.
func (b *Buffer) IsFull() bool { return b.count == len(b.buf) }

// Sum returns the sum of the retained samples.
func (b *Buffer) Sum() float64 {
	s := 0.0
	for i := 0; i < b.count; i++ {
		s += b.buf[(b.head+i)%len(b.buf)]
	}
	return s
}

// Mean returns the arithmetic mean of the retained samples, or NaN when empty.
func (b *Buffer) Mean() float64 {
	if b.count == 0 {
		return math.NaN()
	}
	return b.Sum() / float64(b.count)
}

// Max returns the largest retained sample, or NaN when empty.
func (b *Buffer) Max() float64 {
	if b.count == 0 {
		return math.NaN()
	}
	m := b.At(0)
	for i := 1; i < b.count; i++ {
		if v := b.buf[(b.head+i)%len(b.buf)]; v > m {
			m = v
		}
	}
	return m
}

// Min returns the smallest retained sample, or NaN when empty.
func (b *Buffer) Min() float64 {
	if b.count == 0 {
		return math.NaN()
	}
	m := b.At(0)
	for i := 1; i < b.count; i++ {
		if v := b.buf[(b.head+i)%len(b.buf)]; v < m {
			m = v
		}
	}
	return m
}

// SampleStdDev returns the sample standard deviation (n-1 denominator) of
// the retained samples, or NaN when fewer than two are retained.
func (b *Buffer) SampleStdDev() float64 {
	if b.count < 2 {
		return math.NaN()
	}
	mean := b.Mean()
	ss := 0.0
	for i := 0; i < b.count; i++ {
		d := b.buf[(b.head+i)%len(b.buf)] - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(b.count-1))
}

// CopyTo appends the retained samples to dst in oldest-first order.
func (b *Buffer) CopyTo(dst []float64) []float64 {
	for i := 0; i < b.count; i++ {
		dst = append(dst, b.buf[(b.head+i)%len(b.buf)])
	}
	return dst
}
