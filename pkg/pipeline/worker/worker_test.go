package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shpitdev/jsonapi-layout-include/pkg/pipeline/core"
	"github.com/shpitdev/jsonapi-layout-include/pkg/pipeline/worker"
)

func fastRetries(workers, retries int, policy worker.FailurePolicy) *worker.Pool {
	return worker.New(worker.Options{
		Workers:        workers,
		MaxRetries:     retries,
		FailurePolicy:  policy,
		RequestTimeout: time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
}

func TestDo_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	out, err := worker.Do(context.Background(), fastRetries(1, 3, worker.FailurePolicyPartialOutput), func(context.Context) (string, error) {
		if calls.Add(1) <= 2 {
			return "", core.Transient(errors.New("503"))
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected output %q", out)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestDo_DoesNotRetryPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	_, err := worker.Do(context.Background(), fastRetries(1, 10, worker.FailurePolicyPartialOutput), func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("permanent")
	})
	if err == nil || err.Error() != "permanent" {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestDo_RespectsPerErrorRetryCap(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	_, err := worker.Do(context.Background(), fastRetries(1, 10, worker.FailurePolicyPartialOutput), func(context.Context) (int, error) {
		calls.Add(1)
		return 0, &core.LimitedTransientError{Err: errors.New("429"), ExtraRetries: 1}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls (1 initial + 1 retry), got %d", got)
	}
}

func TestDo_NilPool(t *testing.T) {
	t.Parallel()

	out, err := worker.Do(context.Background(), nil, func(context.Context) (int, error) { return 7, nil })
	if err != nil || out != 7 {
		t.Fatalf("unexpected result (%d, %v)", out, err)
	}
}

func TestProcessAll_PartialOutputKeepsInputOrder(t *testing.T) {
	t.Parallel()

	fn := func(_ context.Context, id string) (string, error) {
		if id == "bad" {
			return "", errors.New("boom")
		}
		if id == "slow" {
			time.Sleep(20 * time.Millisecond)
		}
		return "block:" + id, nil
	}

	out, err := worker.ProcessAll(context.Background(), fastRetries(3, 0, worker.FailurePolicyPartialOutput), []string{"slow", "bad", "fast"}, fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	if out[0].Output != "block:slow" || out[0].Err != nil {
		t.Fatalf("unexpected out[0]: %#v", out[0])
	}
	if out[1].Err == nil || out[1].Input != "bad" {
		t.Fatalf("unexpected out[1]: %#v", out[1])
	}
	if out[2].Output != "block:fast" {
		t.Fatalf("unexpected out[2]: %#v", out[2])
	}
}

func TestProcessAll_FailFastStops(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, id string) (string, error) {
		calls.Add(1)
		if id == "bad" {
			return "", errors.New("boom")
		}
		t.Errorf("unexpected call for %q", id)
		return "", nil
	}

	out, err := worker.ProcessAll(context.Background(), fastRetries(1, 0, worker.FailurePolicyFailFast), []string{"bad", "good"}, fn)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil output on fail-fast, got %#v", out)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestProcessAll_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	fn := func(_ context.Context, _ int) (int, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return 0, nil
	}

	items := make([]int, 12)
	if _, err := worker.ProcessAll(context.Background(), fastRetries(3, 0, worker.FailurePolicyPartialOutput), items, fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak > 3 {
		t.Fatalf("expected at most 3 concurrent calls, saw %d", peak)
	}
}

func TestProcessAll_NestedCallsDoNotDeadlock(t *testing.T) {
	t.Parallel()

	pool := fastRetries(1, 0, worker.FailurePolicyPartialOutput)
	fn := func(ctx context.Context, depth int) (int, error) {
		if depth == 0 {
			return 1, nil
		}
		res, err := worker.ProcessAll(ctx, pool, []int{0, 0}, func(ctx context.Context, d int) (int, error) { return d + 1, nil })
		if err != nil {
			return 0, err
		}
		return len(res), nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		out, err := worker.ProcessAll(context.Background(), pool, []int{1, 1}, fn)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		if out[0].Output != 2 || out[1].Output != 2 {
			t.Errorf("unexpected output: %#v", out)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested ProcessAll deadlocked")
	}
}

func TestProcessAll_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := worker.ProcessAll(ctx, fastRetries(2, 0, worker.FailurePolicyPartialOutput), []int{1, 2}, func(context.Context, int) (int, error) {
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
