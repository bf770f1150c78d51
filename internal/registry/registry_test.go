package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/pkg/model"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func descs() []model.ProviderDescriptor {
	return []model.ProviderDescriptor{
		{ID: "b", Priority: 2},
		{ID: "a", Priority: 1},
		{ID: "p", Priority: 1, Primary: true},
	}
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(c.Now))
	r, err := New(descs(), BreakerConfig{Threshold: 3, Window: time.Minute, Cooldown: 30 * time.Second}, logger.Nop(), opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return r, c
}

func TestNewValidatesPrimary(t *testing.T) {
	_, err := New([]model.ProviderDescriptor{{ID: "x"}, {ID: "y"}}, BreakerConfig{}, logger.Nop())
	if err == nil {
		t.Fatalf("expected error without primary")
	}
	_, err = New([]model.ProviderDescriptor{{ID: "x", Primary: true}, {ID: "x"}}, BreakerConfig{}, logger.Nop())
	if err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestSnapshotOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	snap := r.Snapshot()
	got := []string{snap[0].Descriptor.ID, snap[1].Descriptor.ID, snap[2].Descriptor.ID}
	want := []string{"p", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSingleFailureDoesNotDegrade(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.ReportFailure("a")
	st, _ := r.Get("a")
	if st.Health != model.HealthHealthy {
		t.Fatalf("health = %s", st.Health)
	}
	if !r.Acquire("a") {
		t.Fatalf("provider must stay routable")
	}
}

func TestBreakerTripsAndHalfOpens(t *testing.T) {
	r, c := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		r.ReportFailure("a")
	}
	st, _ := r.Get("a")
	if st.Health != model.HealthDegraded || st.DegradedUntil == nil {
		t.Fatalf("expected degraded, got %+v", st)
	}
	if r.Acquire("a") {
		t.Fatalf("degraded provider routable during cooldown")
	}

	c.Advance(31 * time.Second)
	if !r.Acquire("a") {
		t.Fatalf("half-open probe not granted after cooldown")
	}
	if r.Acquire("a") {
		t.Fatalf("only one half-open probe at a time")
	}

	// 探测失败，重新冷却
	r.ReportFailure("a")
	if r.Acquire("a") {
		t.Fatalf("failed probe must restart cooldown")
	}

	c.Advance(31 * time.Second)
	if !r.Acquire("a") {
		t.Fatalf("second half-open probe not granted")
	}
	r.ReportSuccess("a")
	st, _ = r.Get("a")
	if st.Health != model.HealthHealthy {
		t.Fatalf("expected recovery, got %s", st.Health)
	}
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	r, c := newTestRegistry(t)
	r.ReportFailure("a")
	r.ReportFailure("a")
	c.Advance(2 * time.Minute)
	r.ReportFailure("a")
	st, _ := r.Get("a")
	if st.Health != model.HealthHealthy || st.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.ReportFailure("a")
	r.ReportFailure("a")
	r.ReportSuccess("a")
	r.ReportFailure("a")
	st, _ := r.Get("a")
	if st.Health != model.HealthHealthy {
		t.Fatalf("health = %s", st.Health)
	}
}

func TestProbeRestoresUnavailable(t *testing.T) {
	var fail bool
	probe := func(ctx context.Context, id string) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}
	r, _ := newTestRegistry(t, WithProbe(probe))
	if err := r.SetHealth("b", model.HealthUnavailable); err != nil {
		t.Fatalf("set: %v", err)
	}
	if r.Acquire("b") {
		t.Fatalf("unavailable provider must not be routable")
	}

	fail = true
	st, err := r.ProbeNow(context.Background(), "b")
	if err == nil || st.Health != model.HealthUnavailable || st.LastProbeError == "" {
		t.Fatalf("failed probe should keep unavailable: %+v %v", st, err)
	}

	fail = false
	r.probeUnhealthy(context.Background())
	st, _ = r.Get("b")
	if st.Health != model.HealthHealthy {
		t.Fatalf("probe loop did not restore provider: %s", st.Health)
	}
}
