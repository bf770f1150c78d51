package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/internal/ratelimit"
	"github.com/brightming/genflow/internal/registry"
	"github.com/brightming/genflow/pkg/model"
	"github.com/brightming/genflow/pkg/provider"
)

type fakeClient struct {
	mu    sync.Mutex
	calls int
	err   error
	block bool
}

func (f *fakeClient) Generate(ctx context.Context, req *provider.GenerateRequest) (*provider.GenerateResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &provider.GenerateResult{Text: "once upon a time", TokensInput: 500, TokensOutput: 1500}, nil
}

func (f *fakeClient) HealthCheck(context.Context) error { return nil }
func (f *fakeClient) Close() error                      { return nil }

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var transient = &provider.ProviderError{Code: "500", Message: "boom", Type: provider.TypeAPI, Retryable: true}

func descs(ids ...string) []model.ProviderDescriptor {
	out := make([]model.ProviderDescriptor, 0, len(ids))
	for i, id := range ids {
		out = append(out, model.ProviderDescriptor{
			ID:             id,
			Vendor:         "static",
			Priority:       i,
			Primary:        i == 0,
			PerMinuteLimit: 100,
			PerDayLimit:    1000,
			CostPerUnit:    0.01,
		})
	}
	return out
}

func newRouter(t *testing.T, ds []model.ProviderDescriptor, clients Clients, limiter ratelimit.Limiter) (*Router, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(ds, registry.BreakerConfig{Threshold: 3, Window: time.Minute, Cooldown: 30 * time.Second}, logger.Nop())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return New(reg, clients, limiter, logger.Nop(), WithDefaultTimeout(time.Second)), reg
}

func TestInvokeFailover(t *testing.T) {
	for m := 0; m < 3; m++ {
		ids := []string{"p0", "p1", "p2", "p3"}
		clients := Clients{}
		for i, id := range ids {
			c := &fakeClient{}
			if i < m {
				c.err = transient
			}
			clients[id] = c
		}
		r, _ := newRouter(t, descs(ids...), clients, ratelimit.NewMemoryLimiter())

		var attempts []model.GenerationAttempt
		res, err := r.Invoke(context.Background(), &provider.GenerateRequest{RequestID: "req-1", Prompt: "x"},
			func(a model.GenerationAttempt) { attempts = append(attempts, a) })
		if err != nil {
			t.Fatalf("m=%d: unexpected error %v", m, err)
		}
		if len(attempts) != m+1 || res.Attempts != m+1 {
			t.Fatalf("m=%d: want %d attempts, got %d", m, m+1, len(attempts))
		}
		for i, a := range attempts {
			if a.Seq != i+1 || a.ProviderID != ids[i] {
				t.Fatalf("m=%d: attempt %d out of order: %+v", m, i, a)
			}
			if i < m && (a.Outcome != model.OutcomeFailure || a.ErrorClass != model.ErrorClassTransient) {
				t.Fatalf("m=%d: attempt %d should be a transient failure: %+v", m, i, a)
			}
		}
		last := attempts[m]
		if last.Outcome != model.OutcomeSuccess || res.ProviderID != ids[m] {
			t.Fatalf("m=%d: last attempt should succeed on %s: %+v", m, ids[m], last)
		}
		if res.Cost != 0.02 {
			t.Fatalf("m=%d: cost %v", m, res.Cost)
		}
	}
}

func TestInvokeNonRetryableAborts(t *testing.T) {
	auth := &provider.ProviderError{Code: "401", Message: "bad key", Type: provider.TypeAuth}
	second := &fakeClient{}
	clients := Clients{"p0": &fakeClient{err: auth}, "p1": second}
	r, reg := newRouter(t, descs("p0", "p1"), clients, nil)

	var attempts []model.GenerationAttempt
	_, err := r.Invoke(context.Background(), &provider.GenerateRequest{RequestID: "req-2"},
		func(a model.GenerationAttempt) { attempts = append(attempts, a) })
	if generr.CodeOf(err) != generr.CodeProviderUnavailable {
		t.Fatalf("expected provider_unavailable, got %v", err)
	}
	if len(attempts) != 1 || attempts[0].ErrorClass != model.ErrorClassAuth {
		t.Fatalf("unexpected attempts %+v", attempts)
	}
	if second.count() != 0 {
		t.Fatalf("second provider must not be called")
	}
	if st, _ := reg.Get("p0"); st.Health != model.HealthHealthy {
		t.Fatalf("auth failure must not change health, got %s", st.Health)
	}
}

func TestInvokeFullOutage(t *testing.T) {
	clients := Clients{
		"p0": &fakeClient{err: transient},
		"p1": &fakeClient{err: transient},
		"p2": &fakeClient{err: context.DeadlineExceeded},
	}
	r, _ := newRouter(t, descs("p0", "p1", "p2"), clients, nil)

	var attempts []model.GenerationAttempt
	_, err := r.Invoke(context.Background(), &provider.GenerateRequest{RequestID: "req-3"},
		func(a model.GenerationAttempt) { attempts = append(attempts, a) })
	ge := generr.As(err)
	if ge == nil || ge.Code != generr.CodeProviderUnavailable || ge.FailedProviders != 3 {
		t.Fatalf("expected provider_unavailable with 3 failures, got %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("want 3 attempts, got %d", len(attempts))
	}
	if attempts[2].Outcome != model.OutcomeTimeout {
		t.Fatalf("timeout attempt should be recorded as timeout: %+v", attempts[2])
	}
}

func TestInvokeSkipsRateLimitedProvider(t *testing.T) {
	ds := descs("p0", "p1")
	ds[0].PerMinuteLimit = 1
	first, second := &fakeClient{}, &fakeClient{}
	r, _ := newRouter(t, ds, Clients{"p0": first, "p1": second}, ratelimit.NewMemoryLimiter())

	for i := 0; i < 2; i++ {
		res, err := r.Invoke(context.Background(), &provider.GenerateRequest{RequestID: "req"}, nil)
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		if want := []string{"p0", "p1"}[i]; res.ProviderID != want {
			t.Fatalf("invoke %d: want %s, got %s", i, want, res.ProviderID)
		}
		if res.Attempts != 1 {
			t.Fatalf("skipped provider must not count as an attempt")
		}
	}
	if first.count() != 1 || second.count() != 1 {
		t.Fatalf("calls: p0=%d p1=%d", first.count(), second.count())
	}
}

func TestInvokeSkipsDegradedProvider(t *testing.T) {
	first, second := &fakeClient{}, &fakeClient{}
	r, reg := newRouter(t, descs("p0", "p1"), Clients{"p0": first, "p1": second}, nil)
	if err := reg.SetHealth("p0", model.HealthUnavailable); err != nil {
		t.Fatalf("set health: %v", err)
	}
	res, err := r.Invoke(context.Background(), &provider.GenerateRequest{RequestID: "req"}, nil)
	if err != nil || res.ProviderID != "p1" {
		t.Fatalf("expected p1, got %+v %v", res, err)
	}
	if first.count() != 0 {
		t.Fatalf("unavailable provider must not be called")
	}
}

func TestInvokeCancellation(t *testing.T) {
	blocking := &fakeClient{block: true}
	second := &fakeClient{}
	r, reg := newRouter(t, descs("p0", "p1"), Clients{"p0": blocking, "p1": second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for blocking.count() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	var attempts []model.GenerationAttempt
	_, err := r.Invoke(ctx, &provider.GenerateRequest{RequestID: "req"},
		func(a model.GenerationAttempt) { attempts = append(attempts, a) })
	if !errors.Is(err, generr.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if second.count() != 0 {
		t.Fatalf("no failover after cancellation")
	}
	if len(attempts) != 1 || attempts[0].ErrorClass != model.ErrorClassCancelled {
		t.Fatalf("unexpected attempts %+v", attempts)
	}
	if st, _ := reg.Get("p0"); st.Health != model.HealthHealthy || st.ConsecutiveFailures != 0 {
		t.Fatalf("cancellation must not count against the provider: %+v", st)
	}
}

func TestInvokeBreakerTrips(t *testing.T) {
	failing := &fakeClient{err: transient}
	r, reg := newRouter(t, descs("p0", "p1"), Clients{"p0": failing, "p1": &fakeClient{}}, nil)
	for i := 0; i < 3; i++ {
		if _, err := r.Invoke(context.Background(), &provider.GenerateRequest{RequestID: "req"}, nil); err != nil {
			t.Fatalf("invoke: %v", err)
		}
	}
	if st, _ := reg.Get("p0"); st.Health != model.HealthDegraded {
		t.Fatalf("expected degraded after 3 failures, got %s", st.Health)
	}
	if _, err := r.Invoke(context.Background(), &provider.GenerateRequest{RequestID: "req"}, nil); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if failing.count() != 3 {
		t.Fatalf("degraded provider called during cooldown: %d", failing.count())
	}
}

func TestAttemptErrorMessageKeepsUTF8(t *testing.T) {
	long := &provider.ProviderError{Code: "500", Message: strings.Repeat("服务暂时不可用", 40), Type: provider.TypeAPI, Retryable: true}
	r, _ := newRouter(t, descs("p0"), Clients{"p0": &fakeClient{err: long}}, nil)

	var attempts []model.GenerationAttempt
	_, _ = r.Invoke(context.Background(), &provider.GenerateRequest{RequestID: "req-utf8"},
		func(a model.GenerationAttempt) { attempts = append(attempts, a) })
	if len(attempts) != 1 {
		t.Fatalf("want 1 attempt, got %d", len(attempts))
	}
	msg := attempts[0].ErrorMessage
	if msg == "" || len(msg) > 512 || !utf8.ValidString(msg) {
		t.Fatalf("error message cut mid-character: %d bytes, valid=%v", len(msg), utf8.ValidString(msg))
	}
}
