package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/infra/auth"
	"github.com/xela07ax/agentlab/internal/orchestrator"
	"go.uber.org/zap"
)

// TokenIssuer выдает операторские токены (POST /auth/token).
type TokenIssuer interface {
	GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error)
}

type Options struct {
	Validator auth.TokenValidator // nil — API открыт (локальная лаборатория)
	Issuer    TokenIssuer         // nil — /auth/token не регистрируется
	Metrics   http.Handler        // nil — /metrics не регистрируется
}

// Server — HTTP API оркестратора.
type Server struct {
	router *chi.Mux
	svc    *orchestrator.Service
	opts   Options
	logger *zap.Logger
}

func NewServer(svc *orchestrator.Service, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		svc:    svc,
		opts:   opts,
		logger: logger.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(AccessLog(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Issuer != nil {
		r.Post("/auth/token", s.login)
	}
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	// --- 3. Агенты (RS256 токен, если авторизация включена) ---
	r.Route("/api/agents", func(r chi.Router) {
		if s.opts.Validator != nil {
			r.Use(auth.NewMiddleware(s.opts.Validator, s.logger))
		}
		read := auth.RequireScope(domain.ScopeAgentsRead)
		write := auth.RequireScope(domain.ScopeAgentsWrite)

		r.With(read).Get("/", s.listAgents)
		r.With(write).Post("/", s.createAgent)

		r.Route("/{id}", func(r chi.Router) {
			r.With(read).Get("/", s.withAgent(s.getAgent))
			r.With(write).Delete("/", s.withAgent(s.deleteAgent))

			r.With(write).Post("/train", s.withAgent(s.trainAgent))
			r.With(read).Get("/training", s.withAgent(s.trainingJob))
			r.With(write).Post("/message", s.withAgent(s.sendMessage))
			r.With(write).Post("/stop", s.withAgent(s.stopAgent))
			r.With(write).Post("/port", s.withAgent(s.reassignPort))
			r.With(write).Post("/requires-training", s.withAgent(s.markRequiresTraining))
			r.With(read).Get("/health", s.withAgent(s.agentHealth))

			r.With(read).Get("/nlu", s.withAgent(s.getNLU))
			r.With(write).Put("/nlu", s.withAgent(s.putNLU))

			r.Route("/intents", func(r chi.Router) {
				r.With(read).Get("/", s.withAgent(s.listIntents))
				r.With(write).Post("/", s.withAgent(s.createIntent))
				r.With(write).Put("/{name}", s.withAgent(s.replaceIntent))
				r.With(write).Delete("/{name}", s.withAgent(s.deleteIntent))
			})

			r.Route("/entities", func(r chi.Router) {
				r.With(read).Get("/", s.withAgent(s.listEntities))
				r.With(write).Post("/", s.withAgent(s.createEntity))
				r.With(write).Put("/{name}", s.withAgent(s.replaceEntity))
				r.With(write).Delete("/{name}", s.withAgent(s.deleteEntity))
			})

			r.Route("/logs", func(r chi.Router) {
				r.With(read).Get("/", s.withAgent(s.listLogs))
				r.With(read).Get("/statistics", s.withAgent(s.logStats))
				r.With(read).Get("/intents", s.withAgent(s.logIntents))
				r.With(read).Get("/{logID}", s.withAgent(s.getLog))
				r.With(write).Delete("/", s.withAgent(s.clearLogs))
			})
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
