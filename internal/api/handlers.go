// File: internal/api/handlers.go
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critical-css/internal/extractor"
	"github.com/xkilldash9x/critical-css/internal/optimizer"
	"github.com/xkilldash9x/critical-css/internal/pool"
)

// maxBatchBody bounds the JSON body of a parallel request.
const maxBatchBody = 1 << 20

// Optimizer computes critical CSS. *optimizer.Service implements it.
type Optimizer interface {
	Optimize(ctx context.Context, strategy extractor.Strategy, url string) (string, error)
	OptimizeBatch(ctx context.Context, strategy extractor.Strategy, urls []string) (map[string]optimizer.Result, error)
}

// Sessions exposes the browser session pool. *pool.Pool implements it.
type Sessions interface {
	ListActive() []pool.SessionInfo
	Stats() pool.Stats
	Prune(ctx context.Context) ([]string, error)
}

// ResultCache is the cache control surface. *cache.Cache implements it.
type ResultCache interface {
	Reset() int
	Delete(url string) int
}

// Handlers serves the HTTP API.
type Handlers struct {
	log       *zap.Logger
	optimizer Optimizer
	sessions  Sessions
	cache     ResultCache
}

// NewHandlers creates the API handlers. sessions and cache may be nil when the
// browser pool or the cache is disabled.
func NewHandlers(logger *zap.Logger, opt Optimizer, sessions Sessions, cache ResultCache) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		log:       logger.Named("api_handlers"),
		optimizer: opt,
		sessions:  sessions,
		cache:     cache,
	}
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api", func(r chi.Router) {
		// v1 drives the browser, v2 matches selectors against the static DOM.
		r.Get("/v1/optimize/css", h.HandleOptimize(extractor.StrategyBrowser))
		r.Post("/v1/optimize/css/parallel", h.HandleOptimizeParallel(extractor.StrategyBrowser))
		r.Get("/v2/optimize/css", h.HandleOptimize(extractor.StrategyStatic))
		r.Post("/v2/optimize/css/parallel", h.HandleOptimizeParallel(extractor.StrategyStatic))

		r.Route("/chrome", func(r chi.Router) {
			r.Get("/sessions", h.HandleListSessions)
			r.Get("/stats", h.HandleStats)
			r.Post("/sessions/prune", h.HandlePrune)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Delete("/reset", h.HandleCacheReset)
			r.Delete("/reset/url", h.HandleCacheResetURL)
		})
	})
}

// HandleHealthCheck confirms the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleOptimize answers with the critical CSS of the ?url= page as text/css.
func (h *Handlers) HandleOptimize(strategy extractor.Strategy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		css, err := h.optimizer.Optimize(r.Context(), strategy, url)
		if err != nil {
			h.respondWithError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(css))
	}
}

// HandleOptimizeParallel takes a JSON array of URLs and answers with an object
// keyed by each distinct URL.
func (h *Handlers) HandleOptimizeParallel(strategy extractor.Strategy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var urls []string
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&urls); err != nil {
			h.respondWithErrors(w, http.StatusBadRequest, []apiError{{
				Code:    codeInvalidBody,
				Message: "Request body must be a JSON array of URLs: " + err.Error(),
			}})
			return
		}

		results, err := h.optimizer.OptimizeBatch(r.Context(), strategy, urls)
		if err != nil {
			h.respondWithError(w, r, err)
			return
		}

		body := make(map[string]batchItem, len(results))
		for url, res := range results {
			if res.Err != nil {
				_, apiErr := classify(res.Err)
				body[url] = batchItem{Error: &apiErr}
				continue
			}
			body[url] = batchItem{CSS: res.CSS}
		}
		h.respondWithJSON(w, http.StatusOK, body)
	}
}

// HandleListSessions returns a snapshot of the pooled browser sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		h.respondWithJSON(w, http.StatusOK, []pool.SessionInfo{})
		return
	}
	h.respondWithJSON(w, http.StatusOK, h.sessions.ListActive())
}

// HandleStats returns pool occupancy counters.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		h.respondWithJSON(w, http.StatusOK, pool.Stats{})
		return
	}
	h.respondWithJSON(w, http.StatusOK, h.sessions.Stats())
}

// HandlePrune drops sessions the browser no longer reports.
func (h *Handlers) HandlePrune(w http.ResponseWriter, r *http.Request) {
	removed := []string{}
	if h.sessions != nil {
		ids, err := h.sessions.Prune(r.Context())
		if err != nil {
			h.respondWithError(w, r, err)
			return
		}
		if ids != nil {
			removed = ids
		}
	}
	h.log.Info("Sessions pruned.", zap.Strings("session_ids", removed))
	h.respondWithJSON(w, http.StatusOK, map[string][]string{"removed": removed})
}

// HandleCacheReset empties the result cache.
func (h *Handlers) HandleCacheReset(w http.ResponseWriter, r *http.Request) {
	n := 0
	if h.cache != nil {
		n = h.cache.Reset()
	}
	h.respondWithJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// HandleCacheResetURL removes the cached results of ?url=.
func (h *Handlers) HandleCacheResetURL(w http.ResponseWriter, r *http.Request) {
	n := 0
	if h.cache != nil {
		n = h.cache.Delete(r.URL.Query().Get("url"))
	}
	h.respondWithJSON(w, http.StatusOK, map[string]int{"removed": n})
}
