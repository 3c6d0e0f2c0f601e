// Package httpapi exposes the quiz engine over HTTP: the player
// surface, the payment webhook, the admin surface, the WebSocket
// upgrade and the health/metrics endpoints.
package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quizarena/quizarena/internal/admission"
	"github.com/quizarena/quizarena/internal/answer"
	"github.com/quizarena/quizarena/internal/auth"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/engine"
	"github.com/quizarena/quizarena/internal/payment"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/push"
	"github.com/quizarena/quizarena/internal/question"
)

// statusCacheTTL bounds how stale the /quiz/status micro-cache may be.
const statusCacheTTL = time.Second

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyClaims    ctxKey = "claims"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// JoinRatePerSecond is the local admission backstop applied before
	// the coordinator's distributed slot check.
	JoinRatePerSecond float64
	JoinBurst         int
}

// DefaultServerConfig returns sensible defaults for the API server.
func DefaultServerConfig() ServerConfig {
	port := 8080
	if p := os.Getenv("HTTP_PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              port,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		RequestTimeout:    10 * time.Second,
		JoinRatePerSecond: 50,
		JoinBurst:         100,
	}
}

// Deps gathers the services the handlers call into.
type Deps struct {
	Store     persistence.Store
	Coord     coordinator.Coordinator
	Calendar  *clock.Calendar
	Tokens    *auth.Tokens
	Admission *admission.Service
	Questions *question.Server
	Answers   *answer.Ingestor
	Payments  *payment.Consumer
	Engine    *engine.Engine
	Hub       *push.Hub
	Registry  *prometheus.Registry
}

// Server is the HTTP front of the quiz engine.
type Server struct {
	router *mux.Router
	server *http.Server
	config ServerConfig
	deps   Deps

	statusCache *ttlcache.Cache[string, statusSnapshot]
	joinLimiter *rate.Limiter
}

// NewServer creates the API server and registers all routes.
func NewServer(config ServerConfig, deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		config: config,
		deps:   deps,
		statusCache: ttlcache.New(
			ttlcache.WithTTL[string, statusSnapshot](statusCacheTTL),
		),
		joinLimiter: rate.NewLimiter(rate.Limit(config.JoinRatePerSecond), config.JoinBurst),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	// The WS upgrade must not run under the request timeout.
	s.router.HandleFunc("/ws", s.deps.Hub.ServeWS).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry,
		promhttp.HandlerOpts{Registry: s.deps.Registry})).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.NewRoute().Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/quiz/today", s.handleToday).Methods("GET")
	api.HandleFunc("/quiz/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/quiz/leaderboard/{date}", s.handleLeaderboard).Methods("GET")
	api.HandleFunc("/webhook/payment", s.handlePaymentWebhook).Methods("POST")

	api.Handle("/quiz/join", s.requireAuth(s.handleJoin)).Methods("POST")
	api.Handle("/quiz/current-question", s.requireAuth(s.handleCurrentQuestion)).Methods("GET")
	api.Handle("/quiz/answer", s.requireAuth(s.handleAnswer)).Methods("POST")
	api.Handle("/quiz/finish", s.requireAuth(s.handleFinish)).Methods("POST")
	api.Handle("/payment/order", s.requireAuth(s.handleCreateOrder)).Methods("POST")

	api.Handle("/admin/quiz", s.requireRole(auth.RoleAdmin, s.handleCreateQuiz)).Methods("POST")
	api.Handle("/admin/quiz/{date}/lock", s.requireRole(auth.RoleAdmin, s.handleAdminLock)).Methods("POST")
	api.Handle("/admin/quiz/{date}/start", s.requireRole(auth.RoleAdmin, s.handleAdminStart)).Methods("POST")
	api.Handle("/admin/quiz/{date}/end", s.requireRole(auth.RoleAdmin, s.handleAdminEnd)).Methods("POST")
	api.Handle("/admin/quiz/{date}/publish", s.requireRole(auth.RoleAdmin, s.handleAdminPublish)).Methods("POST")
	api.Handle("/admin/quiz/{date}/force-finalize", s.requireRole(auth.RoleSuperAdmin, s.handleForceFinalize)).Methods("POST")

	s.router.NotFoundHandler = s.withRequestID(http.HandlerFunc(s.handleNotFound))
}

// requestIDMiddleware tags every request with a short id.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return s.withRequestID(next)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs requests with timing and status.
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapper, r)

		log.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// timeoutMiddleware enforces the per-request deadline.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses.
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requireAuth verifies the bearer token and stashes the claims.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole layers a role floor on top of requireAuth.
func (s *Server) requireRole(role string, next http.HandlerFunc) http.Handler {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())
		if !auth.RoleAtLeast(claims.Role, role) {
			s.writeError(w, r, errForbidden(role))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) (*auth.Claims, error) {
	raw, ok := auth.FromBearer(r.Header.Get("Authorization"))
	if !ok {
		return nil, errMissingToken()
	}
	return s.deps.Tokens.Verify(raw)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return "unknown"
}

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(ctxKeyClaims).(*auth.Claims)
	return claims
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

// responseWrapper captures HTTP status codes for logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WS upgrade through the logging wrapper.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
