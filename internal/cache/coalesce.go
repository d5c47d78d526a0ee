package cache

import (
	"sync"
	"time"
)

const DefaultMaxFlights = 10000

// Flight is one in-progress network fetch for a key.
type Flight struct {
	done      chan struct{}
	result    Entry
	ok        bool
	err       error
	startedAt time.Time
}

// Coalescer lets concurrent misses and refreshes for the same key share one
// network fetch. The first caller leads; the rest wait or skip.
type Coalescer struct {
	mu         sync.Mutex
	flights    map[string]*Flight
	maxFlights int
}

func NewCoalescer(maxFlights int) *Coalescer {
	if maxFlights <= 0 {
		maxFlights = DefaultMaxFlights
	}
	return &Coalescer{flights: make(map[string]*Flight), maxFlights: maxFlights}
}

// Start returns the flight for key and whether the caller leads it. ok is false
// when coalescing is unavailable and the caller should fetch on its own.
func (c *Coalescer) Start(key string) (flight *Flight, leader bool, ok bool) {
	if c == nil || key == "" {
		return nil, false, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, found := c.flights[key]; found {
		return existing, false, true
	}
	if c.maxFlights > 0 && len(c.flights) >= c.maxFlights {
		return nil, false, false
	}
	flight = &Flight{done: make(chan struct{}), startedAt: time.Now()}
	c.flights[key] = flight
	return flight, true, true
}

func (c *Coalescer) Finish(key string, flight *Flight, entry Entry, ok bool, err error) {
	if c == nil || flight == nil {
		return
	}
	c.mu.Lock()
	if current, exists := c.flights[key]; exists && current == flight {
		delete(c.flights, key)
	}
	c.mu.Unlock()
	flight.result = entry
	flight.ok = ok
	flight.err = err
	close(flight.done)
}

// Wait blocks until the flight finishes or timeout passes. The last return is
// false on timeout.
func (c *Coalescer) Wait(flight *Flight, timeout time.Duration) (Entry, bool, error, bool) {
	if flight == nil || timeout <= 0 {
		return Entry{}, false, nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-flight.done:
		return flight.result.Clone(), flight.ok, flight.err, true
	case <-timer.C:
		return Entry{}, false, nil, false
	}
}

func (c *Coalescer) InFlight() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
