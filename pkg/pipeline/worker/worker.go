// Package worker runs calls against the upstream with bounded concurrency,
// retries for transient failures, and an optional global rate limit.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/shpitdev/jsonapi-layout-include/pkg/pipeline/core"
	"golang.org/x/time/rate"
)

type FailurePolicy int

const (
	FailurePolicyPartialOutput FailurePolicy = iota
	FailurePolicyFailFast
)

type Options struct {
	Workers    int
	MaxRetries int

	// RequestTimeout bounds each attempt. Zero means 30s; negative disables it.
	RequestTimeout time.Duration

	// RateLimitRPS is a global limit across all calls made through one Pool.
	// Set to <=0 to disable.
	RateLimitRPS float64

	FailurePolicy FailurePolicy

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.BackoffJitterFrac < 0 {
		o.BackoffJitterFrac = 0
	}
	return o
}

// Pool shares one rate limiter and one retry policy between every call made
// through it, including calls issued from inside other calls. A Pool holds no
// goroutines; each ProcessAll starts its own bounded set, so nested use
// cannot starve.
type Pool struct {
	opts    Options
	limiter *rate.Limiter
}

// New returns a pool for opts.
func New(opts Options) *Pool {
	opts = opts.withDefaults()
	p := &Pool{opts: opts}
	if opts.RateLimitRPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return p
}

// Workers returns the per-call concurrency bound.
func (p *Pool) Workers() int {
	if p == nil {
		return 1
	}
	return p.opts.Workers
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Input  In
	Output Out
	Err    error
}

// Do runs fn once, retrying transient failures. A nil pool uses defaults.
func Do[Out any](ctx context.Context, p *Pool, fn func(context.Context) (Out, error)) (Out, error) {
	if p == nil {
		p = New(Options{})
	}
	res, err := p.withRetry(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}).unpack()
	out, _ := res.(Out)
	return out, err
}

// ProcessAll runs fn over items with up to Workers concurrent calls. Results
// are returned in input order. Under FailurePolicyFailFast the first item
// error cancels the rest and is returned.
func ProcessAll[In any, Out any](
	ctx context.Context,
	p *Pool,
	items []In,
	fn func(context.Context, In) (Out, error),
) ([]Result[In, Out], error) {
	if p == nil {
		p = New(Options{})
	}
	out := make([]Result[In, Out], len(items))
	if len(items) == 0 {
		return out, ctx.Err()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	workers := min(p.opts.Workers, len(items))
	next := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range next {
				in := items[idx]
				res, err := p.withRetry(runCtx, func(ctx context.Context) (any, error) {
					return fn(ctx, in)
				}).unpack()
				o, _ := res.(Out)
				out[idx] = Result[In, Out]{Input: in, Output: o, Err: err}
				if err != nil && p.opts.FailurePolicy == FailurePolicyFailFast {
					fail(err)
				}
			}
		}()
	}

feed:
	for i := range items {
		select {
		case next <- i:
		case <-runCtx.Done():
			break feed
		}
	}
	close(next)
	wg.Wait()

	mu.Lock()
	err := firstErr
	mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type attempt struct {
	out any
	err error
}

func (a attempt) unpack() (any, error) { return a.out, a.err }

func (p *Pool) withRetry(ctx context.Context, fn func(context.Context) (any, error)) attempt {
	var last any
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return attempt{last, err}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return attempt{last, err}
			}
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.opts.RequestTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.opts.RequestTimeout)
		}
		out, err := fn(callCtx)
		cancel()
		last = out
		if err == nil {
			return attempt{out, nil}
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return attempt{last, ctx.Err()}
		}
		if !isTransient(err) || n >= maxExtraRetries(p.opts.MaxRetries, err) {
			return attempt{last, err}
		}

		t := time.NewTimer(backoffSleep(p.opts.BackoffInitial, p.opts.BackoffMax, p.opts.BackoffJitterFrac, n))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt{last, ctx.Err()}
		}
	}
}

type retryCap interface {
	MaxExtraRetries() int
}

func maxExtraRetries(defaultRetries int, err error) int {
	if defaultRetries < 0 {
		defaultRetries = 0
	}
	var capErr retryCap
	if errors.As(err, &capErr) {
		return max(min(capErr.MaxExtraRetries(), defaultRetries), 0)
	}
	return defaultRetries
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if core.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func backoffSleep(initial, limit time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < limit; i++ {
		sleep = min(sleep*2, limit)
	}
	if jitterFrac <= 0 {
		return sleep
	}
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
