// Package breaker tracks whether upstream hosts are answering. Once a host's
// failure rate crosses the threshold its breaker opens and fetches against it
// fail immediately, so cache fallbacks answer without waiting for timeouts.
// After the open period a limited number of probes decide whether to close.
package breaker

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOpen is returned by callers that refuse a fetch because the host breaker is open.
var ErrOpen = errors.New("upstream breaker open")

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Result is the outcome of one allowed fetch.
type Result int

const (
	Success Result = iota
	Failure
	// Ignored frees a probe slot without counting, e.g. when the page went away.
	Ignored
)

type Config struct {
	Enabled            bool
	FailureRatePercent int
	MinimumRequests    int
	Window             time.Duration
	OpenDuration       time.Duration
	HalfOpenProbes     int
}

// Breaker is the state of a single host.
type Breaker struct {
	cfg           Config
	state         atomic.Int32
	reqCount      atomic.Int32
	failCount     atomic.Int32
	windowStart   atomic.Int64
	openUntil     atomic.Int64
	probeInFlight atomic.Int32
	probeSuccess  atomic.Int32
}

func New(cfg Config) *Breaker {
	if cfg.MinimumRequests <= 0 {
		cfg.MinimumRequests = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	b := &Breaker{cfg: cfg}
	b.state.Store(int32(StateClosed))
	b.windowStart.Store(time.Now().UnixNano())
	return b
}

func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Allow reports whether a fetch may go out now.
func (b *Breaker) Allow(now time.Time) bool {
	if !b.cfg.Enabled {
		return true
	}
	switch State(b.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		if now.UnixNano() < b.openUntil.Load() {
			return false
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.probeInFlight.Store(0)
			b.probeSuccess.Store(0)
		}
	}
	if b.probeInFlight.Add(1) > int32(b.cfg.HalfOpenProbes) {
		b.probeInFlight.Add(-1)
		return false
	}
	return true
}

// Report records the result of a fetch that Allow let through and returns the
// resulting state.
func (b *Breaker) Report(now time.Time, result Result) State {
	if !b.cfg.Enabled {
		return StateClosed
	}
	switch State(b.state.Load()) {
	case StateClosed:
		if result == Ignored {
			return StateClosed
		}
		b.rotateWindow(now)
		reqs := b.reqCount.Add(1)
		fails := b.failCount.Load()
		if result == Failure {
			fails = b.failCount.Add(1)
		}
		if b.cfg.FailureRatePercent > 0 && int(reqs) >= b.cfg.MinimumRequests &&
			int(fails)*100/int(reqs) >= b.cfg.FailureRatePercent {
			b.open(now)
		}
	case StateHalfOpen:
		if b.probeInFlight.Add(-1) < 0 {
			b.probeInFlight.Store(0)
		}
		switch result {
		case Failure:
			b.open(now)
		case Success:
			if int(b.probeSuccess.Add(1)) >= b.cfg.HalfOpenProbes {
				b.close(now)
			}
		}
	}
	return State(b.state.Load())
}

func (b *Breaker) rotateWindow(now time.Time) {
	start := b.windowStart.Load()
	if now.Sub(time.Unix(0, start)) > b.cfg.Window && b.windowStart.CompareAndSwap(start, now.UnixNano()) {
		b.reqCount.Store(0)
		b.failCount.Store(0)
	}
}

func (b *Breaker) open(now time.Time) {
	b.openUntil.Store(now.Add(b.cfg.OpenDuration).UnixNano())
	b.state.Store(int32(StateOpen))
}

func (b *Breaker) close(now time.Time) {
	b.state.Store(int32(StateClosed))
	b.windowStart.Store(now.UnixNano())
	b.reqCount.Store(0)
	b.failCount.Store(0)
	b.probeInFlight.Store(0)
	b.probeSuccess.Store(0)
}

// Registry holds one breaker per host. A nil Registry allows everything.
type Registry struct {
	cfg      Config
	onChange func(host string, state State)
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns a registry; onChange, when set, is called after every
// state transition.
func NewRegistry(cfg Config, onChange func(host string, state State)) *Registry {
	return &Registry{
		cfg:      cfg,
		onChange: onChange,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Allow(host string) bool {
	if r == nil || !r.cfg.Enabled {
		return true
	}
	b := r.get(host)
	before := b.State()
	allowed := b.Allow(r.now())
	r.notify(host, before, b.State())
	return allowed
}

func (r *Registry) Report(host string, result Result) {
	if r == nil || !r.cfg.Enabled {
		return
	}
	b := r.get(host)
	before := b.State()
	r.notify(host, before, b.Report(r.now(), result))
}

// State returns the current state for host; unknown hosts are closed.
func (r *Registry) State(host string) State {
	if r == nil {
		return StateClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[strings.ToLower(host)]; ok {
		return b.State()
	}
	return StateClosed
}

func (r *Registry) get(host string) *Breaker {
	key := strings.ToLower(host)
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}

func (r *Registry) notify(host string, before State, after State) {
	if before != after && r.onChange != nil {
		r.onChange(strings.ToLower(host), after)
	}
}
