package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Check func(ctx context.Context) error

type Probe struct {
	Name  string
	Check Check
}

type ProbeResult struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// ProbeRunner runs readiness checks in parallel, each bounded by timeout.
// Results are reused for cacheTTL so frequent probes do not hammer
// dependencies.
type ProbeRunner struct {
	timeout  time.Duration
	cacheTTL time.Duration
	probes   []Probe
	now      func() time.Time

	mu       sync.Mutex
	cachedAt time.Time
	ready    bool
	results  []ProbeResult
}

func NewProbeRunner(timeout, cacheTTL time.Duration, probes ...Probe) *ProbeRunner {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ProbeRunner{timeout: timeout, cacheTTL: cacheTTL, probes: probes, now: time.Now}
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cacheTTL > 0 && !p.cachedAt.IsZero() && p.now().Sub(p.cachedAt) < p.cacheTTL {
		return p.ready, append([]ProbeResult(nil), p.results...)
	}

	results := make([]ProbeResult, len(p.probes))
	var g errgroup.Group
	for i, probe := range p.probes {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			start := time.Now()
			err := probe.Check(cctx)
			results[i] = ProbeResult{Name: probe.Name, Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	ready := true
	for _, r := range results {
		ready = ready && r.Healthy
	}
	p.ready, p.results, p.cachedAt = ready, results, p.now()
	return ready, append([]ProbeResult(nil), results...)
}
