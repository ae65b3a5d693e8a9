package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"polychat/internal/chat"
	"polychat/internal/throttle"
)

const DefaultMaxBodyBytes = 32 << 20

type ChatSender interface {
	Send(ctx context.Context, req chat.SendRequest, sink chat.StreamSink) (chat.Result, error)
}

type CredentialWriter interface {
	Put(ctx context.Context, userID, provider, apiKey string) error
	Delete(ctx context.Context, userID, provider string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Chat           ChatSender
	Credentials    CredentialWriter
	Health         Pinger
	RateLimiter    *throttle.RateLimiter
	Idempotency    *throttle.IdempotencyGuard
	JWTSecret      []byte
	AllowedOrigins []string
	HealthPath     string
	MetricsPath    string
	MaxBodyBytes   int64
	Logger         zerolog.Logger
	Now            func() time.Time
}

type Server struct {
	cfg Config
	log zerolog.Logger
}

// NewHandler builds the routed HTTP handler for the API.
func NewHandler(cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{cfg: cfg, log: cfg.Logger.With().Str("component", "http").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"Retry-After"},
	}))

	r.Get(cfg.HealthPath, s.health)
	r.Handle(cfg.MetricsPath, promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(Authenticate(cfg.JWTSecret))
		api.Post("/chat/message", s.chatMessage)
		api.Put("/credentials/{provider}", s.putCredential)
		api.Delete("/credentials/{provider}", s.deleteCredential)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Health.Ping(ctx); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
