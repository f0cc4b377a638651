// Package http exposes the pipeline over a JSON API: odds and consensus
// reads, run triggers, CLV and eval reports, and system introspection.
package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/oddsrun/oddsrun/internal/application/clv"
	"github.com/oddsrun/oddsrun/internal/application/consensus"
	"github.com/oddsrun/oddsrun/internal/application/evals"
	"github.com/oddsrun/oddsrun/internal/application/ingest"
	"github.com/oddsrun/oddsrun/internal/application/picks"
	"github.com/oddsrun/oddsrun/internal/application/pipeline"
	"github.com/oddsrun/oddsrun/internal/application/priors"
	"github.com/oddsrun/oddsrun/internal/application/unlock"
	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/infrastructure/cache"
	"github.com/oddsrun/oddsrun/internal/infrastructure/oddsapi"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Deps carries everything the handlers touch.
type Deps struct {
	Settings  *config.Settings
	Ingest    *ingest.Service
	Consensus *consensus.Service
	Picks     *picks.Service
	CLV       *clv.Service
	Priors    *priors.Service
	Evals     *evals.Service
	Gate      *unlock.Gate
	Runner    *pipeline.Runner
	Repo      *persistence.Repository
	Health    persistence.RepositoryHealth
	Quota     *oddsapi.QuotaTracker
	Cache     *cache.Cache
	Log       zerolog.Logger
}

// Server is the HTTP front of the pipeline.
type Server struct {
	router  *mux.Router
	handler http.Handler
	server  *http.Server
	deps    Deps
	metrics *Metrics
	log     zerolog.Logger
}

// NewServer builds the router, middleware chain, and endpoint table.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		metrics: NewMetrics(),
		log:     deps.Log.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()

	// Wrap the router rather than using mux middleware so preflight and
	// unmatched routes still pass through the chain.
	s.handler = s.requestIDMiddleware(s.loggingMiddleware(s.timeoutMiddleware(s.corsMiddleware(s.router))))

	s.server = &http.Server{
		Addr:         deps.Settings.HTTPAddr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/odds/ingest", s.handleOddsIngest).Methods("POST")
	api.HandleFunc("/odds/latest", s.handleOddsLatest).Methods("GET")
	api.HandleFunc("/consensus/latest", s.handleConsensusLatest).Methods("GET")

	api.HandleFunc("/picks/generate", s.handlePicksGenerate).Methods("POST")
	api.HandleFunc("/picks/latest", s.handlePicksLatest).Methods("GET")
	api.HandleFunc("/picks/recommended", s.handlePicksRecommended).Methods("GET")

	api.HandleFunc("/clv/compute", s.handleCLVCompute).Methods("POST")
	api.HandleFunc("/clv/latest", s.handleCLVLatest).Methods("GET")
	api.HandleFunc("/stats/clv/sport", s.handleCLVSportStats).Methods("GET")
	api.HandleFunc("/metrics/clv", s.handleCLVHealth).Methods("GET")

	api.HandleFunc("/pipeline/run", s.handlePipelineRun).Methods("POST")
	api.HandleFunc("/pipeline/runs", s.handlePipelineRuns).Methods("GET")
	api.HandleFunc("/pipeline/health", s.handlePipelineHealth).Methods("GET")

	api.HandleFunc("/pqs/latest", s.handlePQSLatest).Methods("GET")
	api.HandleFunc("/pqs/score", s.handlePQSScore).Methods("POST")

	api.HandleFunc("/eval/dataset", s.handleEvalDataset).Methods("GET")
	api.HandleFunc("/eval/dataset.csv", s.handleEvalDatasetCSV).Methods("GET")
	api.HandleFunc("/eval/pqs_clv", s.handleEvalPQSCLV).Methods("GET")
	api.HandleFunc("/eval/gates", s.handleEvalGates).Methods("GET")
	api.HandleFunc("/eval/sports", s.handleEvalSports).Methods("GET")
	api.HandleFunc("/eval/volume", s.handleEvalVolume).Methods("GET")

	api.HandleFunc("/calibration/propose", s.handleCalibrationPropose).Methods("POST")
	api.HandleFunc("/calibration/apply/{run_id}", s.handleCalibrationApply).Methods("POST")
	api.HandleFunc("/calibration/runs", s.handleCalibrationRuns).Methods("GET")

	api.HandleFunc("/system/market_status", s.handleMarketStatus).Methods("GET")
	api.HandleFunc("/system/quota", s.handleQuota).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		duration := time.Since(start)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Msg("request")
		s.metrics.ObserveRequest(r.Method, r.URL.Path, wrapper.statusCode, duration)
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 55*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ".csv") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks on ListenAndServe.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

// Router exposes the full handler chain for tests.
func (s *Server) Router() http.Handler {
	return s.handler
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
