package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/search"
	"github.com/sells-group/plansync/internal/syncerr"
)

type handlers struct {
	deps Deps
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("component", "api"),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: syncerr.Kind(err)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) triggerSync(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sync == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "sync is not configured"})
		return
	}
	id, err := h.deps.Sync.Trigger(r.Context())
	if err != nil {
		var are *syncerr.AlreadyRunningError
		if errors.As(err, &are) {
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Kind: syncerr.Kind(err), RunID: are.RunID})
			return
		}
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	zap.L().Info("sync triggered", zap.String("component", "api"), zap.String("run_id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (h *handlers) syncStatus(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Sync == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "sync is not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Sync.Status())
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "run history is not configured"})
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	runs, err := h.deps.Runs.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *handlers) latestRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "run history is not configured"})
		return
	}
	run, err := h.deps.Runs.LastSuccess(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no successful sync yet"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handlers) searchPlans(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()

	src, err := search.ParseSource(qs.Get("source"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	reader := h.deps.Cache
	if src == search.SourceFull {
		reader = h.deps.Full
	}
	if reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "source " + string(src) + " is not configured"})
		return
	}

	q := search.Query{
		Text:     qs.Get("q"),
		State:    qs.Get("state"),
		PlanType: qs.Get("plan_type"),
	}
	if q.Limit, err = intParam(r, "limit"); err != nil {
		badRequest(w, err.Error())
		return
	}
	if q.Offset, err = intParam(r, "offset"); err != nil {
		badRequest(w, err.Error())
		return
	}
	if v := qs.Get("min_assets"); v != "" {
		if q.MinAssets, err = strconv.ParseFloat(v, 64); err != nil {
			badRequest(w, "min_assets must be a number")
			return
		}
	}
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}

	start := time.Now()
	page, err := reader.Search(r.Context(), q)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	zap.L().Debug("plan search",
		zap.String("component", "api"),
		zap.String("source", string(src)),
		zap.Int("results", len(page.Plans)),
		zap.Duration("elapsed", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, page)
}

// intParam returns 0 when the parameter is absent.
func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &paramError{name: name}
	}
	return n, nil
}

type paramError struct{ name string }

func (e *paramError) Error() string { return e.name + " must be an integer" }
