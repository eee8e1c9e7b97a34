// Package httpapi exposes the task scheduler over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"remindbot/internal/capability"
	"remindbot/internal/metrics"
	"remindbot/internal/storage"
	"remindbot/internal/task"
	"remindbot/internal/task/recurrence"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/task/timeparse"
	logx "remindbot/pkg/logx"
)

// Tasks is the scheduler surface the API serves. *scheduler.Service
// implements it.
type Tasks interface {
	CreateTask(ctx context.Context, req scheduler.CreateRequest) (string, error)
	ListTasks(ctx context.Context, f task.ListFilter) ([]scheduler.TaskView, error)
	DeleteTask(ctx context.Context, id string) error
	Resolve(ctx context.Context, expr, hint string) (timeparse.Resolution, error)
	RecentFires(ctx context.Context, limit int) ([]storage.FireRecord, error)
	Snapshot() scheduler.Snapshot
}

type Capabilities interface {
	Infos() []capability.Info
}

type Deps struct {
	Tasks        Tasks
	Capabilities Capabilities
	Metrics      *metrics.Metrics
	Log          logx.Logger
}

type api struct {
	d   Deps
	log logx.Logger
}

// NewHandler builds the router. /healthz is always public; everything else
// requires token when it is non-empty.
func NewHandler(d Deps, token string, timeout time.Duration, withPprof bool) http.Handler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{d: d, log: log.With(logx.String("comp", "httpapi"))}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(a.log), middleware.Recoverer)

	r.Get("/healthz", a.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		if d.Metrics != nil {
			r.Handle("/metrics", d.Metrics.Handler())
		}
		if withPprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))
			r.Get("/tasks", a.listTasks)
			r.Post("/tasks", a.createTask)
			r.Delete("/tasks/{id}", a.deleteTask)
			r.Post("/resolve", a.resolve)
			r.Get("/capabilities", a.capabilities)
			r.Get("/fires", a.fires)
			r.Get("/status", a.status)
		})
	})
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.d.Tasks == nil || !a.d.Tasks.Snapshot().Ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Tasks.Snapshot())
}

func (a *api) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.ListFilter{
		Contact:         strings.TrimSpace(q.Get("contact")),
		IncludeExecuted: queryBool(q.Get("include_executed")),
		OnlyRecurring:   queryBool(q.Get("only_recurring")),
	}
	views, err := a.d.Tasks.ListTasks(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

type recurrenceReq struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

type capabilityReq struct {
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params"`
}

type createReq struct {
	Contact     string         `json:"contact"`
	Payload     string         `json:"payload"`
	Time        string         `json:"time"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	Context     string         `json:"context"`
	Recurrence  *recurrenceReq `json:"recurrence"`
	Capability  *capabilityReq `json:"capability"`
}

type createResp struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (a *api) createTask(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var at time.Time
	switch {
	case req.ScheduledAt != nil:
		at = *req.ScheduledAt
	case strings.TrimSpace(req.Time) != "":
		res, err := a.d.Tasks.Resolve(r.Context(), req.Time, req.Context)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		at = res.At
	default:
		writeError(w, http.StatusBadRequest, "time or scheduled_at is required")
		return
	}

	cr := scheduler.CreateRequest{Contact: req.Contact, Payload: req.Payload, ScheduledAt: at}
	if req.Recurrence != nil {
		unit, ok := task.ParseUnit(req.Recurrence.Type)
		if !ok {
			unit = task.Unit(req.Recurrence.Type)
		}
		cr.Recurrence = &scheduler.RecurrenceRule{Unit: unit, Value: req.Recurrence.Value}
	}
	if req.Capability != nil {
		cr.Capability = &task.Capability{Kind: req.Capability.Kind, Params: req.Capability.Params}
	}

	id, err := a.d.Tasks.CreateTask(r.Context(), cr)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id, ScheduledAt: at})
}

func (a *api) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.d.Tasks.DeleteTask(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resolveReq struct {
	Expression string `json:"expression"`
	Context    string `json:"context"`
}

func (a *api) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.d.Tasks.Resolve(r.Context(), req.Expression, req.Context)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"time":       res.At,
		"source":     res.Source,
		"rule":       res.Rule,
		"confidence": res.Confidence,
	})
}

func (a *api) capabilities(w http.ResponseWriter, r *http.Request) {
	infos := []capability.Info{}
	if a.d.Capabilities != nil {
		infos = a.d.Capabilities.Infos()
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *api) fires(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > 500 {
		limit = 500
	}
	recs, err := a.d.Tasks.RecentFires(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []storage.FireRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// fail maps domain errors to status codes.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, timeparse.ErrNotResolved):
		writeError(w, http.StatusUnprocessableEntity, "time expression not resolved")
	case errors.Is(err, scheduler.ErrInPast),
		errors.Is(err, scheduler.ErrInvalidTask),
		errors.Is(err, recurrence.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timed out")
	default:
		a.log.Error("request failed",
			logx.String("path", r.URL.Path),
			logx.String("req_id", middleware.GetReqID(r.Context())),
			logx.Err(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
