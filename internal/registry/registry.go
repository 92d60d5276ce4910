// Package registry owns the set of synthesis engines, their descriptors and
// the selection policy. Discovery and health checks are the only writers;
// the request path reads an immutable snapshot and never blocks on native I/O.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/maeumlabs/kotts-bridge/internal/config"
	"github.com/maeumlabs/kotts-bridge/internal/engine"
)

// Options carries per-engine policy the registry applies around the contract:
// the synthesis timeout and whether the engine tolerates concurrent calls.
type Options struct {
	Timeout        time.Duration
	ConcurrentSafe bool
}

// DefaultTimeout bounds synthesis for engines that do not configure one.
const DefaultTimeout = 30 * time.Second

// Candidate is one selectable engine handle: the engine, its descriptor as of
// the snapshot, and the serialization/timeout policy dispatch must apply.
type Candidate struct {
	Engine  engine.Engine
	Desc    engine.Descriptor
	Timeout time.Duration
	lock    *sync.Mutex
}

// Acquire serializes synthesis for engines declared non-concurrent-safe.
// No-op otherwise.
func (c Candidate) Acquire() {
	if c.lock != nil {
		c.lock.Lock()
	}
}

func (c Candidate) Release() {
	if c.lock != nil {
		c.lock.Unlock()
	}
}

type entry struct {
	eng     engine.Engine
	desc    engine.Descriptor
	timeout time.Duration
	lock    *sync.Mutex
	// availability as of the last discovery/health pass
	available bool
	status    string
}

// snapshot is the immutable read-visible view. Writers build a complete
// replacement and publish it atomically so readers never observe a partially
// updated table.
type snapshot struct {
	descs      []engine.Descriptor
	candidates []Candidate
	byName     map[string]Candidate
}

type Registry struct {
	log          *slog.Logger
	probeTimeout time.Duration

	mu      sync.Mutex // serializes Register/Discover/HealthCheck
	entries map[string]*entry
	snap    atomic.Pointer[snapshot]

	meter           metric.Meter
	registeredGauge metric.Int64ObservableGauge
	availableGauge  metric.Int64ObservableGauge
}

func New(probeTimeout time.Duration, log *slog.Logger) *Registry {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	r := &Registry{
		log:          log.With(slog.String("component", "engine-registry")),
		probeTimeout: probeTimeout,
		entries:      make(map[string]*entry),
		meter:        otel.Meter("github.com/maeumlabs/kotts-bridge/registry"),
	}
	r.snap.Store(&snapshot{byName: map[string]Candidate{}})
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Register adds an engine under its descriptor name and probes availability
// once. A duplicate name fails with ErrDuplicateEngine and leaves the
// registry unchanged.
func (r *Registry) Register(ctx context.Context, e engine.Engine, opts Options) error {
	desc := e.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("engine with empty name: %w", engine.ErrDuplicateEngine)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("engine %q: %w", desc.Name, engine.ErrDuplicateEngine)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ent := &entry{
		eng:     e,
		desc:    desc,
		timeout: timeout,
	}
	if !opts.ConcurrentSafe {
		ent.lock = &sync.Mutex{}
	}
	ent.available, ent.status = r.probe(ctx, e)

	r.entries[desc.Name] = ent
	r.publishLocked()
	r.log.Info("engine registered",
		slog.String("engine", desc.Name),
		slog.String("kind", string(desc.Kind)),
		slog.Int("priority", desc.Priority),
		slog.Bool("available", ent.available))
	return nil
}

// Discover builds engines from the configured list and registers each. One
// failing constructor or duplicate never aborts discovery of the rest.
// Returns the number of available engines.
func (r *Registry) Discover(ctx context.Context, cfgs []config.EngineConfig) int {
	for _, cfg := range cfgs {
		e, err := engine.New(cfg)
		if err != nil {
			r.log.Warn("engine failed to load, skipping",
				slog.String("engine", cfg.Name),
				slog.String("error", err.Error()))
			continue
		}
		opts := Options{
			Timeout:        time.Duration(cfg.TimeoutMS) * time.Millisecond,
			ConcurrentSafe: cfg.ConcurrentSafe,
		}
		if err := r.Register(ctx, e, opts); err != nil {
			r.log.Warn("engine registration rejected",
				slog.String("engine", cfg.Name),
				slog.String("error", err.Error()))
		}
	}
	return r.AvailableCount()
}

// Select returns the ordered fallback candidates: preferred first when it is
// available, then all other available engines by descending priority, ties by
// ascending name. Pure snapshot read; no native I/O.
func (r *Registry) Select(preferred string) ([]Candidate, error) {
	snap := r.snap.Load()

	out := make([]Candidate, 0, len(snap.candidates))
	if preferred != "" {
		if c, ok := snap.byName[preferred]; ok && c.Desc.Available {
			out = append(out, c)
		}
	}
	for _, c := range snap.candidates {
		if c.Desc.Name == preferred {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, engine.ErrNoEngineAvailable
	}
	return out, nil
}

// HealthCheck re-probes every engine and atomically swaps the read-visible
// snapshot. Never called from Select.
func (r *Registry) HealthCheck(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ent := range r.entries {
		wasAvailable := ent.available
		ent.available, ent.status = r.probe(ctx, ent.eng)
		if ent.available != wasAvailable {
			r.log.Info("engine availability changed",
				slog.String("engine", ent.desc.Name),
				slog.Bool("available", ent.available),
				slog.String("status", ent.status))
		}
	}
	r.publishLocked()
}

// Snapshot returns the descriptor list in selection order, availability as of
// the last discovery/health pass.
func (r *Registry) Snapshot() []engine.Descriptor {
	snap := r.snap.Load()
	out := make([]engine.Descriptor, len(snap.descs))
	copy(out, snap.descs)
	return out
}

// Voices returns the voice union across all available engines, grouped by
// engine name.
func (r *Registry) Voices() map[string][]engine.Voice {
	snap := r.snap.Load()
	out := make(map[string][]engine.Voice, len(snap.candidates))
	for _, c := range snap.candidates {
		voices := c.Engine.Voices()
		if voices == nil {
			voices = []engine.Voice{}
		}
		out[c.Desc.Name] = voices
	}
	return out
}

func (r *Registry) AvailableCount() int {
	return len(r.snap.Load().candidates)
}

func (r *Registry) RegisteredCount() int {
	return len(r.snap.Load().descs)
}

// probe bounds the engine's liveness check with the configured budget; an
// engine that cannot answer in time counts as unavailable.
func (r *Registry) probe(ctx context.Context, e engine.Engine) (bool, string) {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	if e.Available(probeCtx) {
		return true, "ok"
	}
	return false, "availability probe failed"
}

// publishLocked rebuilds and swaps the snapshot. Caller holds r.mu.
func (r *Registry) publishLocked() {
	ordered := make([]*entry, 0, len(r.entries))
	for _, ent := range r.entries {
		ordered = append(ordered, ent)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].desc.Priority != ordered[j].desc.Priority {
			return ordered[i].desc.Priority > ordered[j].desc.Priority
		}
		return ordered[i].desc.Name < ordered[j].desc.Name
	})

	next := &snapshot{
		descs:  make([]engine.Descriptor, 0, len(ordered)),
		byName: make(map[string]Candidate, len(ordered)),
	}
	for _, ent := range ordered {
		desc := ent.desc
		desc.Available = ent.available
		desc.StatusMessage = ent.status
		next.descs = append(next.descs, desc)

		cand := Candidate{
			Engine:  ent.eng,
			Desc:    desc,
			Timeout: ent.timeout,
			lock:    ent.lock,
		}
		next.byName[desc.Name] = cand
		if desc.Available {
			next.candidates = append(next.candidates, cand)
		}
	}
	r.snap.Store(next)
}

func (r *Registry) initMetrics() error {
	registered, err := r.meter.Int64ObservableGauge("kotts.engines.registered",
		metric.WithDescription("Number of registered synthesis engines"))
	if err != nil {
		return err
	}
	available, err := r.meter.Int64ObservableGauge("kotts.engines.available",
		metric.WithDescription("Number of available synthesis engines"))
	if err != nil {
		return err
	}
	r.registeredGauge = registered
	r.availableGauge = available
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		snap := r.snap.Load()
		obs.ObserveInt64(registered, int64(len(snap.descs)))
		obs.ObserveInt64(available, int64(len(snap.candidates)))
		return nil
	}, registered, available)
	return err
}
