// Package health serves the probe and status endpoints of livevoice:
//
//   - GET /healthz: liveness; 200 while the process can serve HTTP.
//   - GET /readyz: readiness; 200 only when every [Checker] passes.
//   - GET /status: the JSON snapshot returned by the [StatusFunc], if any.
//
// Probe bodies carry a top-level "status" of "ok" or "fail". Readiness adds a
// "checks" map keyed by checker name.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds each readiness check unless [WithCheckTimeout]
// overrides it.
const DefaultCheckTimeout = 2 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	// Name keys the result in the "checks" map (e.g. "session").
	Name string

	// Check must honour ctx cancellation.
	Check func(ctx context.Context) error
}

// StatusFunc returns a JSON-encodable snapshot served by /status.
type StatusFunc func() any

// Option configures a [Handler].
type Option func(*Handler)

// WithStatus enables the /status endpoint backed by fn.
func WithStatus(fn StatusFunc) Option {
	return func(h *Handler) { h.status = fn }
}

// WithCheckTimeout sets the per-check deadline for /readyz.
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

type result struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction, so a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
	status   StatusFunc
	timeout  time.Duration
	started  time.Time
}

// New returns a [Handler] evaluating checkers on every /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz always answers 200 with the process uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{
		Status: "ok",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Readyz runs all checkers concurrently, each under its own timeout derived
// from the request context, and answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok"}
	code := http.StatusOK
	if len(h.checkers) > 0 {
		res.Checks = make(map[string]string, len(h.checkers))
	}
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, res)
}

// Status serves the configured snapshot, or 404 without a [StatusFunc].
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Register adds the GET routes for /healthz, /readyz and /status to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /status", h.Status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
