// Package api exposes sync triggering, run history and plan search over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/pipeline"
	"github.com/sells-group/plansync/internal/search"
)

// Syncer starts background runs.
type Syncer interface {
	Trigger(ctx context.Context) (string, error)
	Status() pipeline.Status
}

// RunHistory reads run metadata.
type RunHistory interface {
	List(ctx context.Context, limit int) ([]model.SyncRun, error)
	LastSuccess(ctx context.Context) (*model.SyncRun, error)
}

// Deps are the collaborators behind the routes. Full may be nil when no
// analytical store is configured.
type Deps struct {
	Sync           Syncer
	Runs           RunHistory
	Cache          search.Reader
	Full           search.Reader
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	h := &handlers{deps: d}

	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))
		r.Post("/sync", h.triggerSync)
		r.Get("/sync/status", h.syncStatus)
		r.Get("/sync/runs", h.listRuns)
		r.Get("/sync/runs/latest", h.latestRun)
		r.Get("/plans", h.searchPlans)
	})
	return r
}
