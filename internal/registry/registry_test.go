package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/maeumlabs/kotts-bridge/internal/config"
	"github.com/maeumlabs/kotts-bridge/internal/engine"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newMock(name string, priority int) *engine.MockEngine {
	return engine.NewMockEngine(config.EngineConfig{
		Name:     name,
		Mode:     "mock",
		Priority: priority,
	})
}

func register(t *testing.T, r *Registry, engines ...*engine.MockEngine) {
	t.Helper()
	for _, e := range engines {
		if err := r.Register(context.Background(), e, Options{ConcurrentSafe: true}); err != nil {
			t.Fatalf("register %s: %v", e.Descriptor().Name, err)
		}
	}
}

func selectedNames(t *testing.T, r *Registry, preferred string) []string {
	t.Helper()
	cands, err := r.Select(preferred)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = c.Desc.Name
	}
	return names
}

func TestSelectOrderInvariantUnderPermutation(t *testing.T) {
	// bravo/alpha tie at 50 to exercise the name tie-break.
	build := func() map[string]*engine.MockEngine {
		return map[string]*engine.MockEngine{
			"melo":  newMock("melo", 80),
			"bravo": newMock("bravo", 50),
			"alpha": newMock("alpha", 50),
			"edge":  newMock("edge", 20),
		}
	}
	want := []string{"melo", "alpha", "bravo", "edge"}

	permutations := [][]string{
		{"melo", "bravo", "alpha", "edge"},
		{"edge", "alpha", "bravo", "melo"},
		{"alpha", "edge", "melo", "bravo"},
		{"bravo", "melo", "edge", "alpha"},
	}
	for _, order := range permutations {
		r := New(time.Second, newLogger())
		engines := build()
		for _, name := range order {
			register(t, r, engines[name])
		}
		got := selectedNames(t, r, "")
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("registration order %v: expected %v, got %v", order, want, got)
			}
		}
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New(time.Second, newLogger())
	register(t, r, newMock("melo", 80))

	err := r.Register(context.Background(), newMock("melo", 10), Options{})
	if !errors.Is(err, engine.ErrDuplicateEngine) {
		t.Fatalf("expected ErrDuplicateEngine, got %v", err)
	}
	// registry state unchanged by the failed attempt
	if r.RegisteredCount() != 1 {
		t.Fatalf("expected 1 registered engine, got %d", r.RegisteredCount())
	}
	descs := r.Snapshot()
	if descs[0].Priority != 80 {
		t.Fatalf("expected original descriptor preserved, got %+v", descs[0])
	}
}

func TestSelectPreferredFirst(t *testing.T) {
	r := New(time.Second, newLogger())
	register(t, r, newMock("melo", 80), newMock("edge", 20))

	got := selectedNames(t, r, "edge")
	if got[0] != "edge" || got[1] != "melo" {
		t.Fatalf("expected preferred first with fallback after, got %v", got)
	}
}

func TestSelectPreferredUnavailableOmitted(t *testing.T) {
	r := New(time.Second, newLogger())
	melo := newMock("melo", 80)
	edge := newMock("edge", 20)
	register(t, r, melo, edge)

	edge.SetUnavailable(true)
	r.HealthCheck(context.Background())

	got := selectedNames(t, r, "edge")
	if len(got) != 1 || got[0] != "melo" {
		t.Fatalf("expected unavailable preferred engine omitted, got %v", got)
	}
}

func TestSelectNoneAvailable(t *testing.T) {
	r := New(time.Second, newLogger())
	melo := newMock("melo", 80)
	register(t, r, melo)

	melo.SetUnavailable(true)
	r.HealthCheck(context.Background())

	if _, err := r.Select(""); !errors.Is(err, engine.ErrNoEngineAvailable) {
		t.Fatalf("expected ErrNoEngineAvailable, got %v", err)
	}
}

func TestHealthCheckRecovers(t *testing.T) {
	r := New(time.Second, newLogger())
	melo := newMock("melo", 80)
	melo.SetUnavailable(true)
	register(t, r, melo)

	if r.AvailableCount() != 0 {
		t.Fatalf("expected 0 available, got %d", r.AvailableCount())
	}

	melo.SetUnavailable(false)
	r.HealthCheck(context.Background())
	if r.AvailableCount() != 1 {
		t.Fatalf("expected engine to recover, got %d available", r.AvailableCount())
	}
}

func TestConcurrentReadsDuringHealthCheck(t *testing.T) {
	r := New(time.Second, newLogger())
	engines := []*engine.MockEngine{newMock("melo", 80), newMock("cosy", 50), newMock("edge", 20)}
	register(t, r, engines...)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	// flip availability while readers select; every observed snapshot must be
	// internally consistent: strictly ordered, candidates all available.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			engines[i%len(engines)].SetUnavailable(i%2 == 0)
			r.HealthCheck(context.Background())
		}
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				descs := r.Snapshot()
				for i := 1; i < len(descs); i++ {
					prev, cur := descs[i-1], descs[i]
					if prev.Priority < cur.Priority {
						t.Errorf("snapshot out of order: %v before %v", prev, cur)
						return
					}
					if prev.Priority == cur.Priority && prev.Name > cur.Name {
						t.Errorf("tie-break violated: %v before %v", prev, cur)
						return
					}
				}
				cands, err := r.Select("")
				if errors.Is(err, engine.ErrNoEngineAvailable) {
					continue
				}
				if err != nil {
					t.Errorf("select: %v", err)
					return
				}
				for _, c := range cands {
					if !c.Desc.Available {
						t.Errorf("selected unavailable engine %s", c.Desc.Name)
						return
					}
				}
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestDiscoverSkipsBrokenEngine(t *testing.T) {
	r := New(time.Second, newLogger())
	available := r.Discover(context.Background(), []config.EngineConfig{
		{Name: "melo", Mode: "exec", Command: "\"unterminated"}, // parse failure
		{Name: "mock", Mode: "mock", Priority: 10},
	})
	if available != 1 {
		t.Fatalf("expected 1 available engine, got %d", available)
	}
	if r.RegisteredCount() != 1 {
		t.Fatalf("expected broken engine skipped, got %d registered", r.RegisteredCount())
	}
}
