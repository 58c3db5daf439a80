package health

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Probe checks one dependency. Implementations should be cheap.
type Probe interface {
	Check(ctx context.Context) error
	Name() string
}

// HTTPProbe checks an upstream with a GET request expecting any non-5xx status.
type HTTPProbe struct {
	client *http.Client
	name   string
	url    string
}

// NewHTTPProbe creates an HTTP probe for url.
func NewHTTPProbe(name, url string, client *http.Client) *HTTPProbe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProbe{name: name, url: url, client: client}
}

// Check performs the request. Authentication failures still prove the
// upstream is reachable, so only 5xx responses fail.
func (h *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrProbeFailed, resp.StatusCode)
	}
	return nil
}

// Name returns the probed upstream.
func (h *HTTPProbe) Name() string {
	return h.name
}

// FuncProbe adapts a function, such as a pool or cache ping, to Probe.
type FuncProbe struct {
	fn   func(context.Context) error
	name string
}

// NewFuncProbe wraps fn as a probe named name.
func NewFuncProbe(name string, fn func(context.Context) error) *FuncProbe {
	return &FuncProbe{name: name, fn: fn}
}

// Check runs the wrapped function.
func (f *FuncProbe) Check(ctx context.Context) error {
	if err := f.fn(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	return nil
}

// Name returns the probe name.
func (f *FuncProbe) Name() string {
	return f.name
}

// ComponentStatus is the result of one probe.
type ComponentStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Circuit string `json:"circuit,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report aggregates component statuses.
type Report struct {
	Status     string            `json:"status"`
	Components []ComponentStatus `json:"components"`
}

// Healthy reports whether every component is up.
func (r Report) Healthy() bool {
	return r.Status == "ok"
}

// Checker probes upstreams whose circuits are OPEN, so recovery is noticed
// without waiting for live traffic, and reports dependency health on demand.
type Checker struct {
	ctx        context.Context
	tracker    *Tracker
	upstreams  map[string]Probe
	components map[string]Probe
	logger     *zerolog.Logger
	cancel     context.CancelFunc
	config     CheckConfig
	wg         sync.WaitGroup
	mu         sync.RWMutex
}

// NewChecker creates a new Checker.
func NewChecker(tracker *Tracker, cfg CheckConfig, logger *zerolog.Logger) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		tracker:    tracker,
		config:     cfg,
		upstreams:  make(map[string]Probe),
		components: make(map[string]Probe),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterUpstream adds a recovery probe for an upstream guarded by the tracker.
func (h *Checker) RegisterUpstream(p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.upstreams[p.Name()] = p
}

// RegisterComponent adds a dependency probe reported by Check.
func (h *Checker) RegisterComponent(p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[p.Name()] = p
}

// Start begins periodic recovery probing.
func (h *Checker) Start() {
	if !h.config.IsEnabled() {
		if h.logger != nil {
			h.logger.Info().Msg("health checker disabled")
		}
		return
	}

	interval := h.config.GetInterval()
	jitter := cryptoRandDuration(2 * time.Second)
	ticker := time.NewTicker(interval + jitter)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()

		if h.logger != nil {
			h.logger.Info().
				Dur("interval", interval).
				Dur("jitter", jitter).
				Msg("health checker started")
		}

		for {
			select {
			case <-h.ctx.Done():
				if h.logger != nil {
					h.logger.Info().Msg("health checker stopped")
				}
				return
			case <-ticker.C:
				h.probeOpenCircuits()
			}
		}
	}()
}

// Stop stops the checker and waits for the probe loop to exit.
func (h *Checker) Stop() {
	h.cancel()
	h.wg.Wait()
}

// Check runs every component probe and reports upstream circuit states.
func (h *Checker) Check(ctx context.Context) Report {
	h.mu.RLock()
	probes := make([]Probe, 0, len(h.components))
	for _, p := range h.components {
		probes = append(probes, p)
	}
	upstreams := make([]string, 0, len(h.upstreams))
	for name := range h.upstreams {
		upstreams = append(upstreams, name)
	}
	h.mu.RUnlock()

	report := Report{Status: "ok"}
	for _, p := range probes {
		cs := ComponentStatus{Name: p.Name(), Status: "up"}
		pctx, cancel := context.WithTimeout(ctx, h.config.GetProbeTimeout())
		if err := p.Check(pctx); err != nil {
			cs.Status = "down"
			cs.Error = err.Error()
			report.Status = "degraded"
		}
		cancel()
		report.Components = append(report.Components, cs)
	}

	for _, name := range upstreams {
		state := h.tracker.State(name)
		cs := ComponentStatus{Name: name, Status: "up", Circuit: state.String()}
		if state == StateOpen {
			cs.Status = "down"
			cs.Error = ErrCircuitOpen.Error()
			report.Status = "degraded"
		}
		report.Components = append(report.Components, cs)
	}

	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	return report
}

func (h *Checker) probeOpenCircuits() {
	h.mu.RLock()
	probes := make([]Probe, 0, len(h.upstreams))
	for _, p := range h.upstreams {
		probes = append(probes, p)
	}
	h.mu.RUnlock()

	for _, p := range probes {
		name := p.Name()
		if h.tracker.State(name) != StateOpen {
			continue
		}

		ctx, cancel := context.WithTimeout(h.ctx, h.config.GetProbeTimeout())
		err := p.Check(ctx)
		cancel()

		if err != nil {
			if h.logger != nil && !errors.Is(err, context.Canceled) {
				h.logger.Debug().Str("upstream", name).Err(err).Msg("recovery probe failed")
			}
			continue
		}

		if h.logger != nil {
			h.logger.Info().Str("upstream", name).Msg("recovery probe succeeded")
		}
		h.tracker.RecordSuccess(name)
	}
}

// cryptoRandDuration returns a random duration in [0, maxDur).
func cryptoRandDuration(maxDur time.Duration) time.Duration {
	if maxDur <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	n := binary.LittleEndian.Uint64(b[:])
	return time.Duration(n % uint64(maxDur)) //nolint:gosec // maxDur is positive
}
