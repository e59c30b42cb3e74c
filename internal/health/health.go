package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/llm-router/internal/clock"
	"github.com/vnmchuo/llm-router/internal/provider"
)

type State int

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
	}
	return "unknown"
}

type Config struct {
	// Window is the number of recent attempts the failure ratio is taken over.
	Window              int
	ConsecutiveFailures int
	FailureRatio        float64
	// MinSamples is how many attempts the window needs before the ratio can trip.
	MinSamples   int
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
	LatencyAlpha float64
}

func DefaultConfig() Config {
	return Config{
		Window:              20,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinSamples:          20,
		BaseCooldown:        30 * time.Second,
		MaxCooldown:         10 * time.Minute,
		LatencyAlpha:        0.2,
	}
}

type Snapshot struct {
	State               State
	ConsecutiveFailures int
	Samples             int
	FailureRatio        float64
	Latency             time.Duration
	LastSuccess         time.Time
	LastFailure         time.Time
	LastFailureKind     provider.Kind
	OpenedAt            time.Time
	Cooldown            time.Duration
	TrialInFlight       bool
}

type providerHealth struct {
	mu sync.Mutex

	state State
	// outcomes is a ring of the last Window attempts; true marks a failure.
	outcomes    []bool
	next        int
	samples     int
	failures    int
	consecutive int

	openedAt      time.Time
	cooldown      time.Duration
	trialInFlight bool

	lastSuccess     time.Time
	lastFailure     time.Time
	lastFailureKind provider.Kind

	latency    time.Duration
	hasLatency bool
}

// Monitor tracks a circuit breaker per provider. Time-based transitions
// (OPEN to HALF_OPEN) are computed from the clock whenever state is read,
// so nothing has to tick.
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	providers map[string]*providerHealth
}

func NewMonitor(cfg Config, clk clock.Clock, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = def.FailureRatio
	}
	if cfg.MinSamples <= 0 || cfg.MinSamples > cfg.Window {
		cfg.MinSamples = cfg.Window
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = def.BaseCooldown
	}
	if cfg.MaxCooldown < cfg.BaseCooldown {
		cfg.MaxCooldown = cfg.BaseCooldown
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = def.LatencyAlpha
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		providers: make(map[string]*providerHealth),
	}
}

func (m *Monitor) get(name string) *providerHealth {
	m.mu.RLock()
	ph, ok := m.providers[name]
	m.mu.RUnlock()
	if ok {
		return ph
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ph, ok = m.providers[name]; ok {
		return ph
	}
	ph = &providerHealth{
		outcomes: make([]bool, m.cfg.Window),
		cooldown: m.cfg.BaseCooldown,
	}
	m.providers[name] = ph
	return ph
}

// resolve moves an expired OPEN circuit to HALF_OPEN. Caller holds ph.mu.
func (m *Monitor) resolve(name string, ph *providerHealth, now time.Time) {
	if ph.state == StateOpen && now.Sub(ph.openedAt) >= ph.cooldown {
		ph.state = StateHalfOpen
		ph.trialInFlight = false
		m.logger.Info("circuit half-open", zap.String("provider", name))
	}
}

// IsAvailable reports whether the provider may be offered to a request:
// CLOSED, or HALF_OPEN with no trial in flight.
func (m *Monitor) IsAvailable(name string) bool {
	ph := m.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()

	m.resolve(name, ph, m.clock.Now())
	switch ph.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !ph.trialInFlight
	}
	return false
}

// Acquire claims permission to call the provider. In HALF_OPEN it claims
// the single trial slot; trial reports whether that happened so the caller
// can ReleaseTrial if it ends up not calling.
func (m *Monitor) Acquire(name string) (trial bool, ok bool) {
	ph := m.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()

	m.resolve(name, ph, m.clock.Now())
	switch ph.state {
	case StateClosed:
		return false, true
	case StateHalfOpen:
		if ph.trialInFlight {
			return false, false
		}
		ph.trialInFlight = true
		return true, true
	}
	return false, false
}

// ReleaseTrial gives back an unused HALF_OPEN trial slot without
// recording an outcome.
func (m *Monitor) ReleaseTrial(name string) {
	ph := m.get(name)
	ph.mu.Lock()
	if ph.state == StateHalfOpen {
		ph.trialInFlight = false
	}
	ph.mu.Unlock()
}

// RecordSuccess records a successful call. trial reports whether the call
// held the HALF_OPEN trial slot; only the trial's outcome can close a
// half-open circuit.
func (m *Monitor) RecordSuccess(name string, latency time.Duration, trial bool) {
	ph := m.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()

	now := m.clock.Now()
	m.resolve(name, ph, now)
	ph.lastSuccess = now
	m.observeLatency(ph, latency)

	switch ph.state {
	case StateHalfOpen:
		if !trial {
			return
		}
		ph.state = StateClosed
		ph.trialInFlight = false
		ph.cooldown = m.cfg.BaseCooldown
		m.resetWindow(ph)
		m.logger.Info("circuit closed", zap.String("provider", name))
	case StateClosed:
		ph.consecutive = 0
		m.push(ph, false)
	}
}

// RecordFailure records a failed call. As with RecordSuccess, a half-open
// circuit only reopens on the trial's own failure.
func (m *Monitor) RecordFailure(name string, kind provider.Kind, trial bool) {
	ph := m.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()

	now := m.clock.Now()
	m.resolve(name, ph, now)
	ph.lastFailure = now
	ph.lastFailureKind = kind

	switch ph.state {
	case StateHalfOpen:
		if !trial {
			return
		}
		ph.cooldown *= 2
		if ph.cooldown > m.cfg.MaxCooldown {
			ph.cooldown = m.cfg.MaxCooldown
		}
		m.open(name, ph, now, kind)
	case StateClosed:
		ph.consecutive++
		m.push(ph, true)
		if ph.consecutive >= m.cfg.ConsecutiveFailures || m.ratioTripped(ph) {
			m.open(name, ph, now, kind)
		}
	}
}

func (m *Monitor) open(name string, ph *providerHealth, now time.Time, kind provider.Kind) {
	ph.state = StateOpen
	ph.openedAt = now
	ph.trialInFlight = false
	m.logger.Warn("circuit opened",
		zap.String("provider", name),
		zap.String("last_error", string(kind)),
		zap.Int("consecutive_failures", ph.consecutive),
		zap.Duration("cooldown", ph.cooldown),
	)
}

func (m *Monitor) ratioTripped(ph *providerHealth) bool {
	if ph.samples < m.cfg.MinSamples {
		return false
	}
	return float64(ph.failures)/float64(ph.samples) >= m.cfg.FailureRatio
}

func (m *Monitor) push(ph *providerHealth, failed bool) {
	if ph.samples == len(ph.outcomes) {
		if ph.outcomes[ph.next] {
			ph.failures--
		}
	} else {
		ph.samples++
	}
	ph.outcomes[ph.next] = failed
	if failed {
		ph.failures++
	}
	ph.next = (ph.next + 1) % len(ph.outcomes)
}

func (m *Monitor) resetWindow(ph *providerHealth) {
	clear(ph.outcomes)
	ph.next = 0
	ph.samples = 0
	ph.failures = 0
	ph.consecutive = 0
}

func (m *Monitor) observeLatency(ph *providerHealth, latency time.Duration) {
	if !ph.hasLatency {
		ph.latency = latency
		ph.hasLatency = true
		return
	}
	a := m.cfg.LatencyAlpha
	ph.latency = time.Duration(a*float64(latency) + (1-a)*float64(ph.latency))
}

// Latency is the moving average of successful call latency, zero when
// nothing has been observed yet.
func (m *Monitor) Latency(name string) time.Duration {
	ph := m.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.latency
}

func (m *Monitor) State(name string) State {
	ph := m.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()
	m.resolve(name, ph, m.clock.Now())
	return ph.state
}

func (m *Monitor) Snapshot(name string) Snapshot {
	ph := m.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()

	m.resolve(name, ph, m.clock.Now())
	s := Snapshot{
		State:               ph.state,
		ConsecutiveFailures: ph.consecutive,
		Samples:             ph.samples,
		Latency:             ph.latency,
		LastSuccess:         ph.lastSuccess,
		LastFailure:         ph.lastFailure,
		LastFailureKind:     ph.lastFailureKind,
		OpenedAt:            ph.openedAt,
		Cooldown:            ph.cooldown,
		TrialInFlight:       ph.trialInFlight,
	}
	if ph.samples > 0 {
		s.FailureRatio = float64(ph.failures) / float64(ph.samples)
	}
	return s
}
