// ABOUTME: chi router wiring the webhook, operator API, realtime transports and health routes
// ABOUTME: CORS origins come from server.cors_origins; metrics mount only when enabled

package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/wabridge/internal/config"
	"github.com/2389/wabridge/internal/webhook"
)

func (g *Gateway) newRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(g.config),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", webhook.SignatureHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Get("/webhook", g.handleWebhookVerify)
	r.Post("/webhook", g.handleWebhook)

	r.Post("/send-whatsapp-message", g.handleLegacySend)

	r.Route("/api", func(r chi.Router) {
		r.Post("/send", g.handleSend)
		r.Get("/events", g.handleEvents)

		r.Get("/conversations", g.handleListConversations)
		r.Get("/conversations/{id}", g.handleGetConversation)
		r.Get("/conversations/{id}/messages", g.handleConversationMessages)
		r.Post("/conversations/{id}/read", g.handleMarkRead)

		r.Get("/users/{key}", g.handleGetUser)
	})

	r.Handle("/ws", g.ws)

	if g.metrics != nil {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	return r
}

// allowedOrigins applies to both CORS and the WebSocket origin check.
func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.Server.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.Server.CORSOrigins
}
