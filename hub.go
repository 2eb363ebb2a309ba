package transit

import (
	"sync"
)

// Per-subscriber channel buffer. A subscriber that falls further
// behind than this starts losing snapshots, never stalling the hub.
const DefaultSubscriberBuffer = 4

// Hub fans vehicle snapshots out to any number of subscribers. New
// subscribers immediately receive the most recent snapshot, if one
// exists; after that, every published snapshot is offered to each
// subscriber with a non-blocking send.
type Hub struct {
	mutex       sync.Mutex
	subscribers map[chan *Snapshot]struct{}
	last        *Snapshot
	buffer      int
}

func NewHub() *Hub {
	return &Hub{
		subscribers: map[chan *Snapshot]struct{}{},
		buffer:      DefaultSubscriberBuffer,
	}
}

// Publish records the snapshot as the latest and offers it to every
// subscriber. Slow subscribers drop it.
func (h *Hub) Publish(snapshot *Snapshot) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.last = snapshot

	for ch := range h.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than
// once.
func (h *Hub) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, h.buffer)

	h.mutex.Lock()
	h.subscribers[ch] = struct{}{}
	if h.last != nil {
		ch <- h.last
	}
	h.mutex.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mutex.Lock()
			delete(h.subscribers, ch)
			h.mutex.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// Last returns the most recent snapshot, or nil if none has been
// published yet.
func (h *Hub) Last() *Snapshot {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.last
}

// SubscriberCount reports the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.subscribers)
}
