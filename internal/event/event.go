// Package event carries lifecycle, statistics and registry notifications from
// the daemon's services to whoever is listening (CLI monitor, control socket,
// desktop notifications).
//
// Delivery order: every subscriber receives the events it subscribed to in the
// order they were published. Publish never blocks; each subscriber owns an
// unbounded queue drained by its own goroutine, so a slow reader only delays
// itself.
package event

import (
	"sync"
	"time"

	"corekeeper/internal/core/types"
)

// Kind identifies an event.
type Kind string

const (
	Connected           Kind = "connected"
	Disconnected        Kind = "disconnected"
	Stats               Kind = "stats"
	KernelLog           Kind = "kernel-log"
	ConnectionCreated   Kind = "connection-created"
	ConnectionRenamed   Kind = "connection-renamed"
	ConnectionDeleted   Kind = "connection-deleted"
	ConnectionLinked    Kind = "connection-linked"
	GroupCreated        Kind = "group-created"
	GroupRenamed        Kind = "group-renamed"
	GroupDeleted        Kind = "group-deleted"
	SubscriptionUpdated Kind = "subscription-updated" // links fetched
	SubscriptionChanged Kind = "subscription-changed" // options edited
	StatsReset          Kind = "stats-reset"
)

// Disconnect reasons.
const (
	ReasonStopped       = "stopped"
	ReasonCrashed       = "crashed"
	ReasonRestartFailed = "restart-failed"
	ReasonSwitched      = "switched"
	ReasonShutdown      = "shutdown"
)

// Event is a single notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	At   time.Time

	// Connection the event is about. For group events only GroupID is set.
	Pair types.ConnectionGroupPair

	// Connected: the run replaced a previous run of the same pair.
	Restarted bool
	// Disconnected: one of the Reason constants.
	Reason string
	Err    error

	Stats types.Sample
	Line  string

	// Name is the new display name for created/renamed events.
	Name string
	// Connections lists the connections a deleted group was unlinked from,
	// or the ids replaced by a subscription update.
	Connections []string
}

// Bus fans events out to subscribers. The zero value is not usable; call New.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for the given kinds, or for everything when
// no kinds are passed. Events are read from Subscription.C until Close.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	out := make(chan Event)
	s := &Subscription{
		C:    out,
		out:  out,
		bus:  b,
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.shutdown()
		go s.pump()
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish queues e for every interested subscriber. A zero At is set to now.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.kinds != nil && !s.kinds[e.Kind] {
			continue
		}
		s.enqueue(e)
	}
}

// Close drops all subscribers. Their channels are closed once drained of the
// event currently being delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.shutdown()
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	C <-chan Event

	out   chan Event
	bus   *Bus
	kinds map[Kind]bool

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
	once   sync.Once
}

// Close unsubscribes. Pending events are discarded and C is closed.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.shutdown()
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, e)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		close(s.done)
		s.cond.Broadcast()
		s.mu.Unlock()
	})
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
