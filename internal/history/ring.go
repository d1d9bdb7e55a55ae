// Package history keeps the rolling record of recent focus samples that feeds
// the overlay sparkline and the status endpoint.
package history

import "sync"

// Ring is a fixed-capacity buffer of focus metric samples. The oldest sample
// is overwritten once the buffer is full. Appends come only from the capture
// loop, but snapshots are taken concurrently by HTTP status requests, so all
// access goes through the mutex.
type Ring struct {
	mu         sync.Mutex
	buffer     []float64
	capacity   int
	writeIndex int
	count      int
}

// DefaultCapacity is the number of samples kept when no override is given.
const DefaultCapacity = 50

// NewRing creates a ring holding up to capacity samples. A non-positive
// capacity falls back to DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		buffer:   make([]float64, capacity),
		capacity: capacity,
	}
}

// Append inserts a sample, evicting the oldest once the ring is full.
func (r *Ring) Append(sample float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer[r.writeIndex] = sample
	r.writeIndex = (r.writeIndex + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// Snapshot returns the stored samples in insertion order, oldest first.
// The returned slice is a copy; callers may keep it without holding up
// further appends.
func (r *Ring) Snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	result := make([]float64, r.count)
	if r.count < r.capacity {
		copy(result, r.buffer[:r.count])
		return result
	}
	// Full ring: the oldest sample sits at writeIndex, wrap from there.
	for i := 0; i < r.capacity; i++ {
		result[i] = r.buffer[(r.writeIndex+i)%r.capacity]
	}
	return result
}

// Last returns the most recent sample, or false when nothing has been
// appended yet.
func (r *Ring) Last() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return 0, false
	}
	idx := (r.writeIndex - 1 + r.capacity) % r.capacity
	return r.buffer[idx], true
}

// Size returns the current number of stored samples.
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Capacity returns the maximum number of samples the ring can hold.
func (r *Ring) Capacity() int {
	return r.capacity
}
