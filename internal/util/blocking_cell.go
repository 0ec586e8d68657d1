package util

import (
	"errors"
	"sync"
)

// ErrCellAlreadySet is returned when a filled cell is set again.
var ErrCellAlreadySet = errors.New("cell already set")

// BlockingCell is a one-shot container for a value. Readers may peek without
// blocking or wait on Done. Once set, every reader observes the same value.
type BlockingCell[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
	done  chan struct{}
}

// NewBlockingCell creates a new empty blocking cell
func NewBlockingCell[T any]() *BlockingCell[T] {
	return &BlockingCell[T]{done: make(chan struct{})}
}

// Set fills the cell. A second Set returns ErrCellAlreadySet and leaves the
// first value in place.
func (c *BlockingCell[T]) Set(value T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set {
		return ErrCellAlreadySet
	}
	c.value = value
	c.set = true
	close(c.done)
	return nil
}

// Peek returns the value without blocking. The bool is false while empty.
func (c *BlockingCell[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}

// Done is closed once the cell is set
func (c *BlockingCell[T]) Done() <-chan struct{} {
	return c.done
}
