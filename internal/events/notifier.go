// Package events fans engine notifications out to interested subscribers.
// Delivery is best effort: a subscriber whose buffer is full misses the event,
// and nothing is replayed. Authoritative state lives in the store.
package events

import (
	"sync"
	"sync/atomic"
)

// Topics published by the engine.
const (
	TopicDownloadProgress = "download-progress"
	TopicDownloadComplete = "download-complete"
	TopicDownloadRemoved  = "download-removed"
	TopicDownloadWarning  = "download-warning"
	TopicSyncProgress     = "library-sync-progress"
	TopicCatalogChanged   = "catalog-changed"
)

// Event is one notification. Payload is one of the payload types below.
type Event struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

type DownloadProgress struct {
	ID      string `json:"id"`
	Percent string `json:"percent"`
}

type DownloadComplete struct {
	ID string `json:"id"`
}

type DownloadRemoved struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type DownloadWarning struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type SyncProgress struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

type CatalogChanged struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// Publisher is the write side, accepted by producers.
type Publisher interface {
	Publish(evt Event)
}

type subscriber struct {
	ch     chan Event
	topics map[string]struct{} // nil means all topics
}

// Notifier is a process-wide topic fan-out.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	dropped atomic.Int64
}

func New() *Notifier {
	return &Notifier{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers for the given topics, or every topic when none are
// named. The returned cancel function must be called to avoid leaks; it
// closes the channel.
func (n *Notifier) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			if _, ok := n.subs[sub]; ok {
				delete(n.subs, sub)
				close(sub.ch)
			}
			n.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers evt to every matching subscriber without blocking.
func (n *Notifier) Publish(evt Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for sub := range n.subs {
		if sub.topics != nil {
			if _, ok := sub.topics[evt.Topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- evt:
		default:
			n.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped on saturated subscribers.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Close ends every subscription. Later publishes are ignored.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for sub := range n.subs {
		close(sub.ch)
		delete(n.subs, sub)
	}
}
