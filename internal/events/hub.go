// Package events fans dispatch activity out to live subscribers, keeping a
// short replay ring so reconnecting clients can resume by event id.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TaskValidating  = "task.validating"
	TaskAssigned    = "task.assigned"
	TaskLostRace    = "task.lost_race"
	TaskBlacklisted = "task.blacklisted"
	ReaperTick      = "reaper.tick"

	DefaultCapacity = 256
	subscriberQueue = 128
)

type Event struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Tenant string          `json:"tenant,omitempty"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data"`
}

// Publisher is the write side handed to producers.
type Publisher interface {
	Publish(eventType, tenant string, data any)
}

type subscriber struct {
	tenant string
	ch     chan Event
}

// Hub is an in-memory pub/sub with a ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64
	now    func() time.Time

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		now:  time.Now,
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish records an event. tenant may be empty for process-wide events,
// which every subscriber receives.
func (h *Hub) Publish(eventType, tenant string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:     h.nextID.Add(1),
		Type:   eventType,
		Tenant: tenant,
		At:     h.now().UTC(),
		Data:   payload,
	}
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !visible(ev, sub.tenant) {
			continue
		}
		// Slow clients miss events rather than block dispatch.
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe streams events for tenant, or for every tenant when tenant is
// empty. The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(tenant string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberQueue)
	h.subs[id] = subscriber{tenant: tenant, ch: ch}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID visible to tenant,
// oldest first.
func (h *Hub) SnapshotSince(lastID int64, tenant string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID && visible(ev, tenant) {
			out = append(out, ev)
		}
	}
	return out
}

func visible(ev Event, tenant string) bool {
	return tenant == "" || ev.Tenant == "" || ev.Tenant == tenant
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
