package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"supertask/internal/config"
	"supertask/internal/crontab"
	"supertask/internal/job"
	"supertask/internal/runner"
	"supertask/internal/scheduler"
	"supertask/internal/watcher"
	logx "supertask/pkg/logx"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type handler struct {
	deps Deps
	log  logx.Logger
}

// jobView is a definition with its run metadata and next fire time.
type jobView struct {
	watcher.Record
	LastRunAt  *time.Time `json:"last_run_at"`
	LastStatus job.Status `json:"last_status"`
	NextFire   *time.Time `json:"next_fire,omitempty"`
	// Upcoming lists the activations after NextFire (single job view only).
	Upcoming []time.Time `json:"upcoming,omitempty"`
}

// NewRouter builds the API routes. token, when set, is required as a bearer
// token or ?token= on every route except /healthz.
func NewRouter(deps Deps, token string, pprof bool) http.Handler {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(withAuth(token))
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/jobs", h.listJobs)
		r.With(limitBody).Post("/jobs", h.createJob)
		r.Get("/jobs/{id}", h.getJob)
		r.With(limitBody).Put("/jobs/{id}", h.putJob)
		r.Delete("/jobs/{id}", h.deleteJob)
		r.Get("/jobs/{id}/run", h.getRun)

		r.Get("/schedule", h.schedule)
		r.Post("/reconcile", h.reconcile)
	})

	r.Group(func(r chi.Router) {
		r.Use(withAuth(token))
		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}
		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Code: "unauthorized", Message: "unauthorized"}})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"entries": len(h.deps.Scheduler.Entries()),
	}
	if h.deps.Runner != nil {
		snap := h.deps.Runner.Snapshot()
		body["runner_running"] = snap.Running
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) view(ctx context.Context, def job.Definition) jobView {
	v := jobView{Record: watcher.RecordOf(def), LastStatus: job.StatusNone}
	if rec, err := h.deps.Store.GetRun(ctx, def.ID); err == nil {
		v.LastRunAt = rec.LastRunAt
		v.LastStatus = rec.LastStatus
	}
	if e, ok := h.deps.Scheduler.Entry(def.ID); ok && !e.NextFire.IsZero() {
		next := e.NextFire
		v.NextFire = &next
	}
	return v
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	defs, err := h.deps.Store.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]jobView, 0, len(defs))
	for _, d := range defs {
		out = append(out, h.view(r.Context(), d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	n := defaultUpcoming
	if q := r.URL.Query().Get("upcoming"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 || v > maxUpcoming {
			h.fail(w, r, badRequest{msg: fmt.Sprintf("upcoming must be between 0 and %d", maxUpcoming)})
			return
		}
		n = v
	}
	def, err := h.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v := h.view(r.Context(), def)
	if v.NextFire != nil && n > 0 {
		v.Upcoming = h.upcoming(def, *v.NextFire, n)
	}
	writeJSON(w, http.StatusOK, v)
}

// upcoming previews n activations after next in the zone the job is
// scheduled in.
func (h *handler) upcoming(def job.Definition, next time.Time, n int) []time.Time {
	e, ok := h.deps.Scheduler.Entry(def.ID)
	if !ok {
		return nil
	}
	loc, err := crontab.LoadLocation(e.Timezone, time.UTC)
	if err != nil {
		return nil
	}
	out, err := crontab.Preview(e.Crontab, next, loc, n)
	if err != nil {
		h.log.Debug("preview failed", logx.String("job", def.ID), logx.Err(err))
		return nil
	}
	return out
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// decodeDefinition reads a definitions-file record from the body.
func decodeDefinition(r *http.Request) (job.Definition, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return job.Definition{}, badRequest{msg: "request body too large"}
		}
		return job.Definition{}, badRequest{msg: err.Error()}
	}
	var rec watcher.Record
	if err := config.DecodeStrict("body.json", b, &rec); err != nil {
		return job.Definition{}, badRequest{msg: err.Error()}
	}
	return rec.Definition(), nil
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	def, err := decodeDefinition(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if def.ID == "" {
		h.fail(w, r, job.ErrIDMissing)
		return
	}
	if _, err := h.deps.Store.Get(r.Context(), def.ID); err == nil {
		h.fail(w, r, fmt.Errorf("%w: %s", errConflict, def.ID))
		return
	} else if !job.IsNotFound(err) {
		h.fail(w, r, err)
		return
	}
	if err := h.deps.Store.Put(r.Context(), def); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutated(def.ID, func(defs []job.Definition) []job.Definition { return watcher.Upsert(defs, def) })
	w.Header().Set("Location", "/jobs/"+url.PathEscape(def.ID))
	writeJSON(w, http.StatusCreated, h.view(r.Context(), def.Normalize()))
}

// putJob creates or replaces the job. A body id, if present, must match
// the path.
func (h *handler) putJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	def, err := decodeDefinition(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if def.ID != "" && def.ID != id {
		h.fail(w, r, badRequest{msg: fmt.Sprintf("id %q in body does not match path %q", def.ID, id)})
		return
	}
	def.ID = id

	status := http.StatusOK
	if _, err := h.deps.Store.Get(r.Context(), id); job.IsNotFound(err) {
		status = http.StatusCreated
	} else if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.deps.Store.Put(r.Context(), def); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutated(id, func(defs []job.Definition) []job.Definition { return watcher.Upsert(defs, def) })
	writeJSON(w, status, h.view(r.Context(), def.Normalize()))
}

func (h *handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Store.Remove(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutated(id, func(defs []job.Definition) []job.Definition { return watcher.Without(defs, id) })
	w.WriteHeader(http.StatusNoContent)
}

// mutated mirrors a store change into the definitions file and asks the
// engine to reconcile. A failed write-back is logged; the store already
// holds the change.
func (h *handler) mutated(id string, edit func([]job.Definition) []job.Definition) {
	if h.deps.WriteBack && h.deps.DefinitionsPath != "" {
		if err := watcher.UpdateFile(h.deps.DefinitionsPath, h.log, edit); err != nil {
			h.log.Error("definitions write-back failed",
				logx.String("path", h.deps.DefinitionsPath),
				logx.String("job", id),
				logx.Err(err),
			)
		}
	}
	h.deps.Scheduler.NotifyReconcile()
}

type scheduleView struct {
	Entries []scheduler.EntryInfo `json:"entries"`
	Runner  *runner.Snapshot      `json:"runner,omitempty"`
}

func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	v := scheduleView{Entries: h.deps.Scheduler.Entries()}
	if h.deps.Runner != nil {
		snap := h.deps.Runner.Snapshot()
		v.Runner = &snap
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Scheduler.Reconcile(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"entries": len(h.deps.Scheduler.Entries())})
}
