package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/linkup/internal/pkg/metrics"
	"github.com/autopeer-io/linkup/pkg/log"
	"github.com/autopeer-io/linkup/pkg/options"
)

const shutdownTimeout = 5 * time.Second

// Status is a point-in-time view of the agent, refreshed on every loop
// iteration.
type Status struct {
	Identity     string    `json:"identity"`
	State        string    `json:"state"`
	Connected    bool      `json:"connected"`
	Address      string    `json:"address,omitempty"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"lastError,omitempty"`
	LastPump     time.Time `json:"lastPump"`
	OverduePumps int       `json:"overduePumps"`
	Queued       int       `json:"queued"`
}

// StatusProvider is implemented by Agent.
type StatusProvider interface {
	Status() Status
}

// Status returns the snapshot taken at the last loop iteration. Safe for
// concurrent use.
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

func (a *Agent) publishStatus() {
	s := Status{
		Identity:     a.identity,
		State:        string(a.bringup.State()),
		Connected:    a.ready(),
		Attempts:     a.attempts,
		LastPump:     a.pump.LastPump(),
		OverduePumps: a.pump.Overdue(),
		Queued:       a.queue.Len(),
	}
	if addr := a.bringup.Address(); addr.IsValid() {
		s.Address = addr.String()
	}
	if a.lastFailure != nil {
		s.LastError = a.lastFailure.Error()
	}

	a.mu.Lock()
	a.snapshot = s
	a.mu.Unlock()
}

// StatusServer serves health, state and metrics over HTTP.
type StatusServer struct {
	server *http.Server
	source StatusProvider
}

func NewStatusServer(opts *options.HttpOptions, source StatusProvider) *StatusServer {
	s := &StatusServer{source: source}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: opts.Timeout,
		WriteTimeout:      opts.Timeout,
	}
	return s
}

// Handler returns the router of the status endpoints.
func (s *StatusServer) Handler() http.Handler {
	r := mux.NewRouter()

	// Liveness follows the broker session: 200 only while connected.
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/state", s.state).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

func (s *StatusServer) Start(ctx context.Context) error {
	log.Info("Starting status server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *StatusServer) healthz(w http.ResponseWriter, _ *http.Request) {
	st := s.source.Status()
	if !st.Connected {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(st.State))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *StatusServer) state(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Status()); err != nil {
		log.Error(err, "Failed to write status")
	}
}
