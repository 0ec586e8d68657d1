package util

import "sync"

// IntAllocator hands out integer ids from an inclusive range, lowest free
// first. Channel numbers are allocated this way.
type IntAllocator struct {
	min, max int
	used     map[int]struct{}
	mu       sync.Mutex
}

// NewIntAllocator creates a new integer allocator over [min, max]
func NewIntAllocator(min, max int) *IntAllocator {
	return &IntAllocator{
		min:  min,
		max:  max,
		used: make(map[int]struct{}),
	}
}

// Allocate returns the lowest free integer, or false when exhausted
func (a *IntAllocator) Allocate() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.used) > a.max-a.min {
		return 0, false
	}
	for i := a.min; i <= a.max; i++ {
		if _, taken := a.used[i]; !taken {
			a.used[i] = struct{}{}
			return i, true
		}
	}
	return 0, false
}

// Free releases an integer back to the pool
func (a *IntAllocator) Free(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.used[i]; !taken {
		return false
	}
	delete(a.used, i)
	return true
}

// Available returns the number of free integers
func (a *IntAllocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max - a.min + 1 - len(a.used)
}
