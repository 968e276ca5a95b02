package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-assist/internal/domain"
)

type fixedCircuit domain.BreakerState

func (f fixedCircuit) State() domain.CircuitState {
	return domain.CircuitState{State: domain.BreakerState(f)}
}

func TestRecorderStreamingAverage(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil)
	for _, ms := range []int{100, 200, 300} {
		r.Record(true, time.Duration(ms)*time.Millisecond, nil)
	}

	snap := r.Snapshot()
	if snap.AverageResponseTimeMs != 200 {
		t.Fatalf("expected average 200ms, got %v", snap.AverageResponseTimeMs)
	}
	if snap.TotalRequests != 3 || snap.SuccessCount != 3 || snap.FailureCount != 0 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestRecorderKeepsLastError(t *testing.T) {
	t.Parallel()

	r := NewRecorder(fixedCircuit(domain.BreakerOpen))
	r.Record(false, 10*time.Millisecond, errors.New("backend exploded"))
	r.Record(true, 10*time.Millisecond, nil)
	r.RecordRetry()

	snap := r.Snapshot()
	if snap.LastErrorMessage != "backend exploded" {
		t.Fatalf("expected last error to survive a success, got %q", snap.LastErrorMessage)
	}
	if snap.LastErrorAt == nil {
		t.Fatal("expected last error timestamp")
	}
	if snap.FailureCount != 1 || snap.RetryCount != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.CircuitState != domain.BreakerOpen {
		t.Fatalf("expected circuit state stamped on snapshot, got %q", snap.CircuitState)
	}
}

func TestRecorderSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil)
	r.Record(true, time.Millisecond, nil)
	snap := r.Snapshot()
	r.Record(false, time.Millisecond, errors.New("later"))

	if snap.TotalRequests != 1 || snap.LastErrorMessage != "" {
		t.Fatalf("snapshot changed after later record: %+v", snap)
	}
}

func TestRecorderConcurrentRecords(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Record(i%2 == 0, 50*time.Millisecond, nil)
		}(i)
	}
	wg.Wait()

	snap := r.Snapshot()
	if snap.TotalRequests != 50 || snap.SuccessCount != 25 || snap.FailureCount != 25 {
		t.Fatalf("lost updates: %+v", snap)
	}
	if snap.AverageResponseTimeMs != 50 {
		t.Fatalf("expected average 50ms, got %v", snap.AverageResponseTimeMs)
	}
}

func TestRecorderRecordErrorDoesNotCount(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil)
	r.RecordError(errors.New("circuit open"))
	r.RecordError(nil)

	snap := r.Snapshot()
	if snap.TotalRequests != 0 {
		t.Fatalf("expected no counted calls, got %d", snap.TotalRequests)
	}
	if snap.LastErrorMessage != "circuit open" {
		t.Fatalf("unexpected last error %q", snap.LastErrorMessage)
	}
}
