// Package api assembles the HTTP surface of the assistant.
package api

import (
	"net/http"
	"time"

	"github.com/dvloznov/expense-assistant/internal/api/handlers"
	"github.com/dvloznov/expense-assistant/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Deps are the services the routes call into. Publisher may be nil.
type Deps struct {
	Assistant handlers.Assistant
	Ledger    handlers.UsageLedger
	Publisher handlers.Publisher
}

// Options tune the middleware stack.
type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter wires the routes and middleware.
func NewRouter(deps Deps, log zerolog.Logger, opts Options) http.Handler {
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 10
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 20
	}

	messages := handlers.NewMessagesHandler(deps.Assistant, deps.Ledger, deps.Publisher)
	usage := handlers.NewUsageHandler(deps.Ledger)

	r := chi.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.UserIdentity)
		r.Use(middleware.RateLimit(opts.RateLimitRPS, opts.RateLimitBurst))

		r.Post("/transactions/parse", messages.ParseTransactions)
		r.Post("/chat", messages.Chat)
		r.Get("/usage/daily", usage.DailyUsage)

		r.Put("/trackers/{trackerID}", usage.RenameTracker)
		r.Post("/trackers/{trackerID}/deleted", usage.MarkTrackerDeleted)
		r.Delete("/trackers/{trackerID}/usage", usage.PurgeTracker)
		r.Delete("/users/{userID}/usage", usage.PurgeUser)
	})

	return r
}
