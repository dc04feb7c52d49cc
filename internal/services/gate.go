package services

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertthunder/libsync/internal/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// GateOptions configures a [Gate].
type GateOptions struct {
	// MaxConcurrency is the number of permits. Values below 1 are treated as 1.
	MaxConcurrency int
	// Timeout bounds each call once a permit is held, including reading the body.
	Timeout time.Duration
	// RequestsPerSecond enables request pacing when positive.
	RequestsPerSecond float64
	Burst             int
	// Transport performs the actual round trip. Defaults to [http.DefaultTransport].
	Transport http.RoundTripper
}

// Gate is a process-wide [http.RoundTripper] that bounds concurrent upstream calls.
//
// Waiters acquire permits in FIFO order. The permit is held until the response body is closed, or released at once
// when the round trip fails.
type Gate struct {
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	timeout  time.Duration
	next     http.RoundTripper
	inflight atomic.Int64
}

// NewGate creates a new [Gate].
func NewGate(opts GateOptions) *Gate {
	n := opts.MaxConcurrency
	if n < 1 {
		n = 1
	}

	next := opts.Transport
	if next == nil {
		next = http.DefaultTransport
	}

	g := &Gate{sem: semaphore.NewWeighted(int64(n)), timeout: opts.Timeout, next: next}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return g
}

// Client returns an [http.Client] whose transport is the gate.
func (g *Gate) Client() *http.Client {
	return &http.Client{Transport: g}
}

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int {
	return int(g.inflight.Load())
}

func (g *Gate) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	if err := g.sem.Acquire(req.Context(), 1); err != nil {
		return nil, err
	}
	metrics.GateWait.Observe(time.Since(start).Seconds())

	g.inflight.Add(1)
	metrics.UpstreamInflight.Inc()
	release := sync.OnceFunc(func() {
		g.inflight.Add(-1)
		metrics.UpstreamInflight.Dec()
		g.sem.Release(1)
	})

	if g.limiter != nil {
		if err := g.limiter.Wait(req.Context()); err != nil {
			release()
			return nil, err
		}
	}

	ctx, cancel := req.Context(), context.CancelFunc(func() {})
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
	}

	resp, err := g.next.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		release()
		return nil, err
	}

	resp.Body = &gatedBody{ReadCloser: resp.Body, done: func() {
		cancel()
		release()
	}}
	return resp, nil
}

// gatedBody returns the permit when the body is closed.
type gatedBody struct {
	io.ReadCloser
	once sync.Once
	done func()
}

func (b *gatedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.done)
	return err
}
