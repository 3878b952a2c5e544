// Package admin exposes the orchestrator's lifecycle operations as a JSON
// HTTP API.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/edgard/botfleet/internal/config"
	"github.com/edgard/botfleet/internal/database"
	"github.com/edgard/botfleet/internal/logger"
)

// Service is the orchestrator surface the API drives.
type Service interface {
	Create(ctx context.Context, token, botHandle string, cfg database.BotConfig) (string, error)
	List(ctx context.Context) ([]database.Bot, error)
	Get(ctx context.Context, botID string) (*database.Bot, error)
	UpdateConfiguration(ctx context.Context, botID string, cfg database.BotConfig) error
	Delete(ctx context.Context, botID string) error
	Start(ctx context.Context, botID string) error
	Stop(ctx context.Context, botID string) error
	ListChats(ctx context.Context, botID string) ([]database.Chat, error)
	GetHistory(ctx context.Context, botID, chatID string) ([]database.Message, error)
	ClearHistory(ctx context.Context, botID, chatID string) error
}

// NewRouter creates the HTTP router with all admin routes.
func NewRouter(svc Service, cfg config.AdminConfig, log *slog.Logger) http.Handler {
	if log == nil {
		log = logger.Discard()
	}
	h := &handlers{svc: svc, log: log.With("component", "admin")}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", healthHandler)

	r.Route("/api/v1/bots", func(r chi.Router) {
		r.Get("/", h.listBots)
		r.Post("/", h.createBot)
		r.Route("/{botID}", func(r chi.Router) {
			r.Get("/", h.getBot)
			r.Delete("/", h.deleteBot)
			r.Put("/configuration", h.updateConfiguration)
			r.Post("/start", h.startBot)
			r.Post("/stop", h.stopBot)
			r.Get("/chats", h.listChats)
			r.Route("/chats/{chatID}/messages", func(r chi.Router) {
				r.Get("/", h.getHistory)
				r.Delete("/", h.clearHistory)
			})
		})
	})

	return r
}

// requestLogger logs one line per request, raising the level with the status.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}
			log.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "botfleet"})
}
