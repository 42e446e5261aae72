package events

import (
	"sync"

	"github.com/notevault/notevault/internal/metrics"
)

// Invalidator raises invalidation tags.
type Invalidator interface {
	Invalidate(tags ...string)
}

// Bus raises tags: in-process caches registered with OnInvalidate drop their entries
// synchronously, then stream subscribers are notified.
type Bus struct {
	*Broadcaster

	mu    sync.RWMutex
	hooks []func(tag string)
}

// NewBus creates a tag bus with its own broadcaster.
func NewBus() *Bus {
	return &Bus{Broadcaster: NewBroadcaster()}
}

// OnInvalidate registers fn to run for every raised tag.
func (b *Bus) OnInvalidate(fn func(tag string)) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

// Invalidate raises each tag.
func (b *Bus) Invalidate(tags ...string) {
	b.mu.RLock()
	hooks := b.hooks
	b.mu.RUnlock()

	for _, tag := range tags {
		for _, fn := range hooks {
			fn(tag)
		}
		ev := Event{Type: EventInvalidate, Tag: tag}
		if TagClass(tag) == "file" {
			ev.Path = tag[len("file:"):]
		}
		b.Publish(ev)
		metrics.RecordInvalidation(TagClass(tag))
	}
}

// Nop discards tags.
type Nop struct{}

func (Nop) Invalidate(...string) {}
