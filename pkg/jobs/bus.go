package jobs

import "sync"

// Bus is the in-process publish/subscribe channel for live job events.
//
// One instance is shared across all jobs, passed explicitly to the services
// that need it. Subscribers get a buffered channel per subscription; a slow or
// absent subscriber never blocks a publisher - events that do not fit are
// dropped for that subscriber (the durable event log remains complete).
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Event
	nextID int
	buffer int
}

// NewBus creates a Bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers for events of one job id. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, b.buffer)
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]chan Event)
	}
	b.subs[jobID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if chans, ok := b.subs[jobID]; ok {
			if c, ok := chans[id]; ok {
				delete(chans, id)
				close(c)
				if len(chans) == 0 {
					delete(b.subs, jobID)
				}
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to the job's subscribers without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event.JobID] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
}

// SubscriberCount reports active subscriptions for a job. Test helper.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
