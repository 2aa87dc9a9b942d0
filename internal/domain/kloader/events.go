package kloader

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/kcpu/internal/shared/id"
)

// Event types.
const (
	EventLoaded     = "loaded"
	EventLoadFailed = "load_failed"
	EventMode       = "mode"
	EventFault      = "fault"
)

// subscriberBuffer is how many events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 32

// Event describes a state change of the loader.
type Event struct {
	Type       string    `json:"type"`
	Mode       Mode      `json:"mode"`
	Entry      string    `json:"entry,omitempty"`
	Generation uint64    `json:"generation"`
	LoadID     string    `json:"load_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Time       time.Time `json:"time"`
}

type broadcaster struct {
	mu   sync.Mutex
	subs map[id.SubscriberID]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[id.SubscriberID]chan Event)}
}

func (b *broadcaster) subscribe() (id.SubscriberID, <-chan Event, func()) {
	sid := id.NewSubscriberID()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[sid] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sid)
			b.mu.Unlock()
			close(ch)
		})
	}
	return sid, ch, cancel
}

// publish never blocks; a full subscriber misses the event.
func (b *broadcaster) publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
