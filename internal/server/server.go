// Package server is the HTTP facade: OpenAI-compatible
// chat/completions/embeddings/models endpoints plus an admin surface,
// routed on go-chi/chi/v5 in front of the instance pool and model store.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iimez/llmpool/internal/cache"
	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/device"
	"github.com/iimez/llmpool/internal/errs"
	"github.com/iimez/llmpool/internal/metrics"
	"github.com/iimez/llmpool/internal/middleware"
	"github.com/iimez/llmpool/internal/pool"
	"github.com/iimez/llmpool/internal/store"
)

// Server wires the pool/store/cache/metrics onto an HTTP router.
type Server struct {
	cfg     *config.Config
	pool    *pool.Pool
	store   *store.Store
	metrics *metrics.Metrics
	advisor *device.Advisor
	log     *zap.Logger

	chatCache  *cache.Cache[chatCompletionResponse]
	textCache  *cache.Cache[completionResponse]
	embedCache *cache.Cache[embeddingResponse]

	router   chi.Router
	rlStop   chan struct{}
	started  time.Time
	reloadFn func() error
}

// New constructs a Server. Call Handler() to obtain the http.Handler to
// serve, and Close() to release background goroutines (rate-limit sweep,
// cache cleanup loops) on shutdown.
func New(cfg *config.Config, pl *pool.Pool, st *store.Store, met *metrics.Metrics, log *zap.Logger) *Server {
	maxEntries := cfg.Cache.MaxEntries
	if !cfg.Cache.Enabled {
		maxEntries = 0
	}
	s := &Server{
		cfg:        cfg,
		pool:       pl,
		store:      st,
		metrics:    met,
		advisor:    device.NewAdvisor(),
		log:        log.Named("server"),
		chatCache:  cache.New[chatCompletionResponse](maxEntries, cfg.Cache.TTLSec),
		textCache:  cache.New[completionResponse](maxEntries, cfg.Cache.TTLSec),
		embedCache: cache.New[embeddingResponse](maxEntries, cfg.Cache.TTLSec),
		rlStop:     make(chan struct{}),
		started:    time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// SetReloadFunc wires the callback /admin/reload invokes. Typically the
// same function the SIGHUP handler calls.
func (s *Server) SetReloadFunc(fn func() error) { s.reloadFn = fn }

// Close releases the server's background goroutines. It does not touch the
// pool or store, which the caller disposes separately.
func (s *Server) Close() {
	close(s.rlStop)
	s.chatCache.Dispose()
	s.textCache.Dispose()
	s.embedCache.Dispose()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredLogging(s.log))
	r.Use(chimw.Timeout(5 * time.Minute))

	// Auth and rate limiting mount per route group: the /v1 group takes any
	// configured key, /admin only admin keys, and health/metrics none. One
	// shared limiter instance keeps a single bucket per client across
	// groups.
	clientKeys := middleware.NewKeySet(append(append([]string{}, s.cfg.Auth.Keys...), s.cfg.Auth.AdminKeys...))
	adminKeys := middleware.NewKeySet(s.cfg.Auth.AdminKeys)
	rateLimit := middleware.RateLimit(s.cfg.RateLimit, s.rlStop)

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequireKey(s.cfg.Auth.Enabled, clientKeys))
		r.Use(rateLimit)
		r.Get("/models", s.handleModels)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/completions", s.handleCompletions)
		r.Post("/embeddings", s.handleEmbeddings)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireKey(s.cfg.Auth.Enabled, adminKeys))
		r.Use(rateLimit)
		r.Get("/status", s.handleAdminStatus)
		r.Post("/load", s.handleAdminLoad)
		r.Post("/unload", s.handleAdminUnload)
		r.Post("/ttl", s.handleAdminTTL)
		r.Post("/reload", s.handleAdminReload)
		r.Post("/cancel", s.handleAdminCancel)
		r.Get("/gpu", s.handleAdminGPU)
	})

	return r
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

// refreshGauges recomputes the pool's point-in-time gauges. Called after
// every request completes so /metrics stays current without a polling
// goroutine.
func (s *Server) refreshGauges() {
	if s.metrics == nil {
		return
	}
	st := s.pool.GetStatus()
	samples := make([]metrics.ModelGaugeSample, 0, len(st.Models))
	for _, m := range st.Models {
		samples = append(samples, metrics.ModelGaugeSample{
			Model:   m.ModelID,
			Live:    m.Live,
			Loading: m.Loading,
			Waiters: m.Waiters,
		})
	}
	s.metrics.SetPoolGauges(st.Processing, samples)
}

func (s *Server) resolveModel(name string) (config.ModelConfig, bool) {
	return s.cfg.ModelByRequestedName(name)
}

// recordOutcome observes a completed request's duration and error kind, if
// metrics are enabled. err's errs.Kind (if any) becomes the error label.
func (s *Server) recordOutcome(model, task string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	kind := ""
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			kind = e.Kind.String()
		} else {
			kind = "EngineError"
		}
	}
	s.metrics.ObserveRequest(model, task, time.Since(start), kind)
}
