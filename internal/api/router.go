package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gamblescope/wager-engine/internal/metrics"
)

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// NewRouter mounts every route. hub may be nil, in which case /api/v1/ws
// is not served.
func NewRouter(svc *Service, hub *WSHub, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", ActorHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wager-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket change feed; long-lived, so outside the timeout group.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			// Accounts.
			r.Post("/accounts", svc.OpenAccount)
			r.Get("/accounts", svc.ListAccounts)
			r.Get("/accounts/{accountID}", svc.GetAccount)
			r.Post("/accounts/{accountID}/deposit", svc.Deposit)
			r.Post("/accounts/{accountID}/withdraw", svc.Withdraw)
			r.Post("/accounts/{accountID}/admin", svc.GrantAdmin)

			// Markets.
			r.Get("/markets", svc.ListMarkets)
			r.Post("/markets", svc.CreateMarket)
			r.Delete("/markets", svc.ClearMarkets)
			r.Get("/markets/{marketID}", svc.GetMarket)
			r.Get("/markets/{marketID}/quote", svc.Quote)
			r.Post("/markets/{marketID}/wagers", svc.PlaceWager)
			r.Post("/markets/{marketID}/settle", svc.Settle)
			r.Post("/markets/{marketID}/void", svc.VoidMarket)
		})
	})

	return r
}
