package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a fleet event.
type EventType string

const (
	EventSiteConnected    EventType = "site.connected"
	EventSiteDisconnected EventType = "site.disconnected"
	EventSiteDefunct      EventType = "site.defunct"
	EventSiteFailover     EventType = "site.failover"
	EventSiteShutdown     EventType = "site.shutdown"
	EventSiteDisabled     EventType = "site.disabled"
	EventSiteEnabled      EventType = "site.enabled"
	EventChildRestarted   EventType = "child.restarted"
	EventChildGaveUp      EventType = "child.gave_up"
	EventConfigReloaded   EventType = "config.reloaded"
)

// Event is one thing that happened to a site or to the supervisor
// itself. Site is empty for process-wide events.
type Event struct {
	ID        string
	Type      EventType
	Site      string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// NewEvent builds an event for one site with a fresh ID.
func NewEvent(t EventType, site, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Site:      site,
		Timestamp: time.Now(),
		Message:   message,
	}
}

// Subscriber receives events from a Broker. The channel is buffered;
// a subscriber that stops draining loses events rather than stalling
// the fleet.
type Subscriber chan *Event

const (
	brokerBuffer     = 100
	subscriberBuffer = 50
)

// Broker fans events out to subscribers from a single delivery
// goroutine, so publishers never block on a slow consumer.
type Broker struct {
	mu      sync.RWMutex
	subs    map[Subscriber]struct{}
	in      chan *Event
	stop    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewBroker creates an event broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[Subscriber]struct{}),
		in:   make(chan *Event, brokerBuffer),
		stop: make(chan struct{}),
	}
}

// Start begins delivery.
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case ev := <-b.in:
				b.fanOut(ev)
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop shuts delivery down. Safe to call more than once.
func (b *Broker) Stop() {
	b.once.Do(func() { close(b.stop) })
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	close(sub)
}

// Publish hands an event to the broker. After Stop it is a no-op.
func (b *Broker) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.in <- ev:
	case <-b.stop:
	}
}

func (b *Broker) fanOut(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
