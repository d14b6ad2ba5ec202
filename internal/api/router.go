package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/elvachat/relay/internal/api/middleware"
	"github.com/elvachat/relay/internal/auth"
	"github.com/elvachat/relay/internal/handlers"
	"github.com/elvachat/relay/internal/store"
)

const uploadPath = "/user/upload-file"

// RouterConfig carries what the router needs beyond the handlers.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimit      middleware.RateLimiterConfig
	Redis          *store.RedisStore // optional
	MaxBodyBytes   int64
	MaxUploadBytes int64
}

// NewRouter creates and configures the HTTP router. ws serves the
// real-time channel.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, tokens *auth.Tokens, ws http.Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	// Multipart framing adds a little on top of the file itself.
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes, cfg.MaxUploadBytes+64*1024, uploadPath))
	r.Use(middleware.ValidateRequest(uploadPath))

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(cfg.Redis.Client(), logger, cfg.RateLimit)
	r.Use(limiter.Middleware)

	// Browser clients send the session cookie, so origins are explicit.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authMW := middleware.NewAuthMiddleware(tokens)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Handle("/ws", ws)

	r.Route("/user", func(r chi.Router) {
		// Public routes
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Get("/online", h.Online)
		r.Post("/upload-file", h.UploadFile)

		// Authenticated routes (session token)
		r.Group(func(r chi.Router) {
			r.Use(authMW.RequireAuth)

			r.Post("/logout", h.Logout)
			r.Get("/auth/me", h.Me)
			r.Get("/all-users", h.AllUsers)
			r.Get("/messages", h.Messages)
			r.Get("/unread-messages", h.UnreadMessages)
			r.Post("/mark-read", h.MarkRead)
			r.Get("/chat/{senderId}/{receiverId}", h.ChatHistory)
			r.Post("/save-message", h.SaveMessage)
			r.Post("/askSomething", h.AskSomething)
			r.Get("/ai-messages", h.AIMessages)
		})
	})

	return r
}
