/*
Package events provides an in-memory event broker for fleetmon's pub/sub messaging.

The events package implements a lightweight event bus for broadcasting fleet
lifecycle events to interested subscribers. It supports asynchronous event
delivery with buffered channels, enabling loose coupling between the
supervisor, the polling clients, and anything observing the fleet.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                  │          │
	│  │  - In-memory message bus                   │          │
	│  │  - Topic-agnostic (all events broadcast)   │          │
	│  │  - Non-blocking publish                    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                │          │
	│  │                                            │          │
	│  │  Publisher → Event Channel (buffer: 100)   │          │
	│  │       ↓                                    │          │
	│  │  Broadcast Loop                            │          │
	│  │       ↓                                    │          │
	│  │  Subscriber Channels (buffer: 50 each)     │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Event Types

Site events:
  - site.connected: a polling client established a session
  - site.disconnected: the session ended (scheduled or remote close)
  - site.defunct: retries exhausted, client parked
  - site.failover: automatic endpoint toggle flipped
  - site.shutdown: the remote announced it is shutting down
  - site.disabled / site.enabled: monitoring toggled by an operator

Supervisor events:
  - child.restarted: a crashed client or forwarder was respawned
  - child.gave_up: restart limit exhausted for a child
  - config.reloaded: the site list was rebuilt from configuration

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Site, ev.Message)
		}
	}()

	broker.Publish(events.NewEvent(events.EventSiteConnected, "berlin", "session established"))

Delivery is best-effort: a subscriber whose buffer is full misses events
instead of blocking the publisher. Subscribers that need a complete
record should drain promptly or persist elsewhere.
*/
package events
