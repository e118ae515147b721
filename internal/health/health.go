// Package health aggregates the server's health checks. Each check result
// is also exported as a gauge so alerts do not depend on polling /health.
package health

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/procmetrics"
)

// State is a check outcome, ordered from best to worst.
type State string

const (
	Healthy State = "HEALTHY"
	Warning State = "WARNING"
	Error   State = "ERROR"
)

func (s State) severity() int {
	switch s {
	case Healthy:
		return 0
	case Warning:
		return 1
	default:
		return 2
	}
}

// Result is one check's outcome.
type Result struct {
	Type    string         `json:"type"`
	State   State          `json:"state"`
	Message string         `json:"message,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Check reports on one aspect of the server.
type Check interface {
	Type() string
	Result(ctx context.Context) Result
}

// Report is the aggregate of all checks. State is the worst check state.
type Report struct {
	State  State             `json:"state"`
	Checks map[string]Result `json:"checks"`
}

// Registry runs registered checks. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Check

	status *prometheus.GaugeVec
}

// NewRegistry creates a registry and registers its status gauge with reg
// when reg is non-nil.
func NewRegistry(reg prometheus.Registerer) (*Registry, error) {
	status := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_status",
		Help: "Latest health check result: 1 healthy, 0.5 warning, 0 error.",
	}, []string{"type"})
	if reg != nil {
		if err := reg.Register(status); err != nil {
			return nil, err
		}
	}
	return &Registry{checks: make(map[string]Check), status: status}, nil
}

// Register adds c, replacing any check of the same type.
func (r *Registry) Register(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[c.Type()] = c
}

// Run evaluates every check.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	checks := make([]Check, 0, len(r.checks))
	for _, c := range r.checks {
		checks = append(checks, c)
	}
	r.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Type() < checks[j].Type() })

	rep := Report{State: Healthy, Checks: make(map[string]Result, len(checks))}
	for _, c := range checks {
		res := c.Result(ctx)
		res.Type = c.Type()
		rep.Checks[res.Type] = res
		if res.State.severity() > rep.State.severity() {
			rep.State = res.State
		}
		r.status.WithLabelValues(res.Type).Set(gaugeValue(res.State))
	}
	return rep
}

func gaugeValue(s State) float64 {
	switch s {
	case Healthy:
		return 1
	case Warning:
		return 0.5
	default:
		return 0
	}
}

// MinidumpCheck is ERROR while crash capture is not working. Status
// reports whether it is and, if not, why.
type MinidumpCheck struct {
	Status func() (ok bool, reason string)
}

func (MinidumpCheck) Type() string { return "MINIDUMP" }

func (c MinidumpCheck) Result(context.Context) Result {
	ok, reason := false, "crash capture was not initialized"
	if c.Status != nil {
		ok, reason = c.Status()
	}
	if ok {
		return Result{State: Healthy}
	}
	return Result{State: Error, Message: reason}
}

// ResourcesCheck turns resource threshold warnings and leak trends into a
// health state.
type ResourcesCheck struct {
	Monitor *procmetrics.ResourceMonitor
}

func (ResourcesCheck) Type() string { return "RESOURCES" }

func (c ResourcesCheck) Result(context.Context) Result {
	res := Result{State: Healthy}
	var messages []string
	for _, w := range c.Monitor.CheckHealth() {
		state := Warning
		if w.Level == "critical" {
			state = Error
		}
		if state.severity() > res.State.severity() {
			res.State = state
		}
		messages = append(messages, w.Message)
	}
	if trend := c.Monitor.GetTrend(); !trend.IsHealthy {
		if res.State == Healthy {
			res.State = Warning
		}
		messages = append(messages, trend.Warnings...)
	}
	if len(messages) > 0 {
		res.Message = messages[0]
		res.Params = map[string]any{"warnings": messages}
	}
	return res
}

// PanicsCheck is WARNING when panics were counted since the previous
// check.
type PanicsCheck struct {
	Count func() float64

	mu   sync.Mutex
	last float64
}

func (*PanicsCheck) Type() string { return "PANICS" }

func (c *PanicsCheck) Result(context.Context) Result {
	if c.Count == nil {
		return Result{State: Healthy}
	}
	n := c.Count()
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.last
	c.last = n
	if n > prev {
		return Result{
			State:   Warning,
			Message: "panics observed since the last health check",
			Params:  map[string]any{"panics": n - prev, "total": n},
		}
	}
	return Result{State: Healthy}
}

// ConfigReloadCheck is ERROR while the latest config reload failed. The
// server keeps running on the previously applied settings.
type ConfigReloadCheck struct {
	Err func() error
}

func (ConfigReloadCheck) Type() string { return "CONFIG_RELOAD" }

func (c ConfigReloadCheck) Result(context.Context) Result {
	if c.Err == nil {
		return Result{State: Healthy}
	}
	if err := c.Err(); err != nil {
		return Result{State: Error, Message: "config reload failed: " + err.Error()}
	}
	return Result{State: Healthy}
}
