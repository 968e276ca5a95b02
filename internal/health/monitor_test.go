package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedProber struct {
	mu      sync.Mutex
	results []error
	calls   atomic.Int32
}

func (p *scriptedProber) Health(context.Context) error {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return err
}

func (p *scriptedProber) push(errs ...error) {
	p.mu.Lock()
	p.results = append(p.results, errs...)
	p.mu.Unlock()
}

type panickingProber struct{}

func (panickingProber) Health(context.Context) error {
	panic("probe exploded")
}

func TestMonitorHysteresis(t *testing.T) {
	t.Parallel()

	prober := &scriptedProber{}
	down := errors.New("connection refused")
	prober.push(down, down, down, down, down, nil)

	m := NewMonitor(prober, Config{UnhealthyAfter: 3, HealthyAfter: 1}, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		st := m.CheckNow(ctx)
		if st.ConsecutiveFailures != i {
			t.Fatalf("probe %d: expected %d consecutive failures, got %d", i, i, st.ConsecutiveFailures)
		}
		wantHealthy := i < 3
		if st.Healthy != wantHealthy {
			t.Fatalf("probe %d: expected healthy=%v, got %v", i, wantHealthy, st.Healthy)
		}
	}
	if got := m.Status(); got.Healthy || got.LastError == "" {
		t.Fatalf("expected unhealthy with last error after 5 failures, got %+v", got)
	}

	st := m.CheckNow(ctx)
	if !st.Healthy || st.ConsecutiveSuccesses != 1 || st.ConsecutiveFailures != 0 {
		t.Fatalf("expected recovery after one success, got %+v", st)
	}
	if !st.Checked || st.LastCheckAt.IsZero() {
		t.Fatalf("expected check timestamp, got %+v", st)
	}
}

func TestMonitorOnChange(t *testing.T) {
	t.Parallel()

	prober := &scriptedProber{}
	prober.push(errors.New("down"), nil)
	m := NewMonitor(prober, Config{UnhealthyAfter: 1, HealthyAfter: 1}, nil)

	var changes []bool
	m.OnChange(func(healthy bool) { changes = append(changes, healthy) })

	m.CheckNow(context.Background())
	m.CheckNow(context.Background())
	m.CheckNow(context.Background())

	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Fatalf("expected [false true], got %v", changes)
	}
}

func TestMonitorSwallowsPanics(t *testing.T) {
	t.Parallel()

	m := NewMonitor(panickingProber{}, Config{UnhealthyAfter: 1}, nil)
	st := m.CheckNow(context.Background())
	if st.Healthy {
		t.Fatal("expected panic to count as a failed probe")
	}
	if st.LastError == "" {
		t.Fatal("expected panic to be recorded as last error")
	}
}

func TestMonitorStartStop(t *testing.T) {
	t.Parallel()

	prober := &scriptedProber{}
	m := NewMonitor(prober, Config{Timeout: time.Second}, nil)

	m.Start(context.Background(), 5*time.Millisecond)
	m.Start(context.Background(), 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for prober.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	if prober.calls.Load() < 3 {
		t.Fatalf("expected recurring probes, got %d", prober.calls.Load())
	}

	after := prober.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if prober.calls.Load() != after {
		t.Fatal("expected no probes after Stop")
	}
	m.Stop()
}
