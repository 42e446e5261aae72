// Package events raises invalidation tags and fans them out to stream subscribers.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/notevault/notevault/internal/metrics"
)

const (
	EventInvalidate = "invalidate"
	EventRefresh    = "refresh"
)

// TagManifest names every cached copy of the tree manifest.
const TagManifest = "manifest"

// FileTag names the cached copies of one file's content and metadata.
func FileTag(path string) string {
	return "file:" + path
}

// TagClass returns the class of a tag ("manifest" or "file") for metrics.
func TagClass(tag string) string {
	if i := strings.IndexByte(tag, ':'); i >= 0 {
		return tag[:i]
	}
	return tag
}

// Event is one message on the invalidation stream.
type Event struct {
	Type      string `json:"type"`
	Tag       string `json:"tag,omitempty"`
	Path      string `json:"path,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster fans events out to stream subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]map[string]bool
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]map[string]bool),
	}
}

// Subscribe adds a subscriber and returns its event channel. With classes given, only
// invalidations of those tag classes are delivered; refresh events always are.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(classes ...string) chan Event {
	var filter map[string]bool
	for _, c := range classes {
		if c == "" {
			continue
		}
		if filter == nil {
			filter = make(map[string]bool, len(classes))
		}
		filter[c] = true
	}

	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = filter
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish sends an event to every interested subscriber without blocking. A slow
// consumer loses the event and recovers with a conditional refetch.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	class := TagClass(event.Tag)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subscribers {
		if filter != nil && event.Type == EventInvalidate && !filter[class] {
			continue
		}
		select {
		case ch <- event:
		default:
			metrics.RecordDroppedEvent()
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
