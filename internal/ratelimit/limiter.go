package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// ActionConfig is the sliding-window policy for one action name.
type ActionConfig struct {
	Window        time.Duration
	MaxRequests   int
	BlockDuration time.Duration
}

// DefaultActionConfig applies to any action without an explicit policy.
var DefaultActionConfig = ActionConfig{
	Window:        60 * time.Second,
	MaxRequests:   100,
	BlockDuration: 5 * time.Minute,
}

// Decision is the outcome of one admission check. BlockedUntil is zero when
// the request was accepted.
type Decision struct {
	Allowed      bool
	BlockedUntil time.Time
}

type window struct {
	timestamps   []time.Time
	blockedUntil time.Time
}

// Limiter is a per-client, per-action sliding-window rate limiter. The client
// key is the connection's remoteAddr+userAgent fingerprint: distinct users
// behind one address with one client signature share a bucket. That is
// carried-over behavior, not an oversight.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]map[string]*window // clientKey -> action -> window

	defaults ActionConfig
	actions  map[string]ActionConfig
	clock    func() time.Time

	logger *slog.Logger
}

type Option func(*Limiter)

// WithActionConfig registers an explicit policy for an action name.
func WithActionConfig(action string, cfg ActionConfig) Option {
	return func(l *Limiter) { l.actions[action] = cfg }
}

// WithDefaults overrides the fallback policy.
func WithDefaults(cfg ActionConfig) Option {
	return func(l *Limiter) { l.defaults = cfg }
}

// WithClock injects the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

func New(logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		clients:  make(map[string]map[string]*window),
		defaults: DefaultActionConfig,
		actions:  make(map[string]ActionConfig),
		clock:    time.Now,
		logger:   logger.With(slog.String("component", "rate_limiter")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) configFor(action string) ActionConfig {
	if cfg, ok := l.actions[action]; ok {
		return cfg
	}
	return l.defaults
}

// Check runs the admission algorithm for one request. An active block rejects
// without touching the timestamp list; otherwise timestamps older than the
// window are pruned, and hitting MaxRequests sets the block.
func (l *Limiter) Check(clientKey, action string) Decision {
	now := l.clock()
	cfg := l.configFor(action)

	l.mu.Lock()
	defer l.mu.Unlock()

	actions, ok := l.clients[clientKey]
	if !ok {
		actions = make(map[string]*window)
		l.clients[clientKey] = actions
	}
	w, ok := actions[action]
	if !ok {
		w = &window{}
		actions[action] = w
	}

	if now.Before(w.blockedUntil) {
		return Decision{Allowed: false, BlockedUntil: w.blockedUntil}
	}

	w.timestamps = pruneBefore(w.timestamps, now.Add(-cfg.Window))

	if len(w.timestamps) >= cfg.MaxRequests {
		w.blockedUntil = now.Add(cfg.BlockDuration)
		l.logger.Warn("Client rate limited",
			slog.String("clientKey", clientKey),
			slog.String("action", action),
			slog.Time("blockedUntil", w.blockedUntil),
		)
		return Decision{Allowed: false, BlockedUntil: w.blockedUntil}
	}

	w.timestamps = append(w.timestamps, now)
	return Decision{Allowed: true}
}

// Allow reports whether one request for the action is admitted.
func (l *Limiter) Allow(clientKey, action string) bool {
	return l.Check(clientKey, action).Allowed
}

// pruneBefore drops timestamps at or before the cutoff. The list is
// append-only ordered, so the survivors are a suffix.
func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(timestamps) && !timestamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append(timestamps[:0], timestamps[i:]...)
}

// CleanupExpired removes client entries whose windows are empty and who are
// not currently blocked. Blocked entries must survive so the block still
// holds when the client returns.
func (l *Limiter) CleanupExpired() int {
	now := l.clock()
	removed := 0

	l.mu.Lock()
	defer l.mu.Unlock()

	for clientKey, actions := range l.clients {
		for action, w := range actions {
			cfg := l.configFor(action)
			w.timestamps = pruneBefore(w.timestamps, now.Add(-cfg.Window))
			if len(w.timestamps) == 0 && !now.Before(w.blockedUntil) {
				delete(actions, action)
			}
		}
		if len(actions) == 0 {
			delete(l.clients, clientKey)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("Rate limiter cleanup removed idle clients", slog.Int("removed", removed))
	}
	return removed
}

// StartCleanup runs CleanupExpired on a fixed interval until the stop channel
// closes. Part of the limiter's explicit lifecycle; the caller owns stop.
func (l *Limiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				l.CleanupExpired()
			}
		}
	}()
}

// ActionStats is a read-only view of one (client, action) window.
type ActionStats struct {
	WindowCount  int
	Blocked      bool
	BlockedUntil time.Time
}

// GlobalStats is a read-only view of the whole limiter table.
type GlobalStats struct {
	TrackedClients int
	BlockedClients int
}

// GetClientStats reports per-action window state for one client. It never
// mutates the table.
func (l *Limiter) GetClientStats(clientKey string) map[string]ActionStats {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]ActionStats)
	for action, w := range l.clients[clientKey] {
		cfg := l.configFor(action)
		count := 0
		for _, ts := range w.timestamps {
			if ts.After(now.Add(-cfg.Window)) {
				count++
			}
		}
		out[action] = ActionStats{
			WindowCount:  count,
			Blocked:      now.Before(w.blockedUntil),
			BlockedUntil: w.blockedUntil,
		}
	}
	return out
}

func (l *Limiter) GetGlobalStats() GlobalStats {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	stats := GlobalStats{TrackedClients: len(l.clients)}
	for _, actions := range l.clients {
		for _, w := range actions {
			if now.Before(w.blockedUntil) {
				stats.BlockedClients++
				break
			}
		}
	}
	return stats
}
