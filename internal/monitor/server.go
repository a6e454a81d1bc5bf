package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"emberq/internal/state"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second

	defaultPageSize = 20
	maxPageSize     = 200
)

// Handler builds the read-only HTTP surface. Split from Serve so tests can
// drive it through httptest.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /queues", m.handleQueues)
	mux.HandleFunc("GET /workers", m.handleWorkers)
	mux.HandleFunc("GET /jobs", m.handleJobs)
	mux.HandleFunc("GET /jobs/{id}", m.handleJob)
	mux.HandleFunc("GET /schedules", m.handleSchedules)
	mux.HandleFunc("GET /healthz/live", m.handleLive)
	mux.HandleFunc("GET /healthz/ready", m.handleReady)
	return mux
}

// Serve runs the monitor server until ctx is canceled.
func (m *Monitor) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              m.cfg.MonitorAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		m.log.Info().Str("addr", m.cfg.MonitorAddr).Msg("monitor listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (m *Monitor) handleQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := m.QueueStats(r.Context())
	if err != nil {
		m.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	m.respond(w, http.StatusOK, stats)
}

func (m *Monitor) handleWorkers(w http.ResponseWriter, r *http.Request) {
	m.respond(w, http.StatusOK, m.WorkerStatus())
}

func (m *Monitor) handleJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("state") == "" {
		counts, err := m.JobCounts(r.Context())
		if err != nil {
			m.fail(w, http.StatusInternalServerError, err)
			return
		}
		m.respond(w, http.StatusOK, counts)
		return
	}

	st := state.JobStatus(q.Get("state"))
	if !st.Known() {
		m.fail(w, http.StatusBadRequest, errors.New("unknown state "+strconv.Quote(string(st))))
		return
	}

	page := intParam(q.Get("page"), 1)
	pageSize := intParam(q.Get("page_size"), defaultPageSize)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	result, err := m.JobsByState(r.Context(), st, page, pageSize)
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}
	m.respond(w, http.StatusOK, result)
}

func (m *Monitor) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := m.jobs.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		m.fail(w, http.StatusNotFound, err)
		return
	}
	m.respond(w, http.StatusOK, job)
}

func (m *Monitor) handleSchedules(w http.ResponseWriter, r *http.Request) {
	entries, err := m.Schedules(r.Context())
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}
	m.respond(w, http.StatusOK, entries)
}

func (m *Monitor) handleLive(w http.ResponseWriter, r *http.Request) {
	if !m.Alive() {
		m.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "stalled"})
		return
	}
	m.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m *Monitor) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := m.Ready(r.Context()); err != nil {
		m.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "broker unreachable"})
		return
	}
	m.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m *Monitor) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		m.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (m *Monitor) fail(w http.ResponseWriter, code int, err error) {
	m.respond(w, code, map[string]string{"error": err.Error()})
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
