package rabbitmq

import (
	"slices"
	"sync"
)

// BaseChannel is the per-channel bookkeeping shared by every channel
// implementation: a fixed channel number, lifecycle state and the consumer
// tags registered on the channel.
type BaseChannel struct {
	Stateful

	id uint16

	// guards the close-time release of state, tags and number
	mu sync.Mutex

	tagsMu sync.Mutex
	tags   map[string]struct{}
}

// NewBaseChannel creates channel bookkeeping for channel number id
func NewBaseChannel(id uint16) *BaseChannel {
	return &BaseChannel{
		id:   id,
		tags: make(map[string]struct{}),
	}
}

// ID returns the channel number
func (bc *BaseChannel) ID() uint16 {
	return bc.id
}

// Lock acquires the channel-level exclusive lock. Releasing the channel
// number on close takes it too, including from the reader goroutine when
// the server closes the channel, so hold it only briefly.
func (bc *BaseChannel) Lock() {
	bc.mu.Lock()
}

// Unlock releases the channel-level exclusive lock
func (bc *BaseChannel) Unlock() {
	bc.mu.Unlock()
}

// AddConsumerTag registers tag. Adding a tag twice is a no-op.
func (bc *BaseChannel) AddConsumerTag(tag string) {
	bc.tagsMu.Lock()
	bc.tags[tag] = struct{}{}
	bc.tagsMu.Unlock()
}

// RemoveConsumerTag removes tag. The empty tag clears every tag.
func (bc *BaseChannel) RemoveConsumerTag(tag string) {
	bc.tagsMu.Lock()
	defer bc.tagsMu.Unlock()

	if tag == "" {
		clear(bc.tags)
		return
	}
	delete(bc.tags, tag)
}

// HasConsumerTag reports whether tag is registered
func (bc *BaseChannel) HasConsumerTag(tag string) bool {
	bc.tagsMu.Lock()
	defer bc.tagsMu.Unlock()
	_, ok := bc.tags[tag]
	return ok
}

// ConsumerTags returns a sorted snapshot of the registered tags
func (bc *BaseChannel) ConsumerTags() []string {
	bc.tagsMu.Lock()
	tags := make([]string, 0, len(bc.tags))
	for tag := range bc.tags {
		tags = append(tags, tag)
	}
	bc.tagsMu.Unlock()

	slices.Sort(tags)
	return tags
}
