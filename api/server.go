/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. RealIP:     Client address behind the gateway
  3. Logger:     Access log through the application slog logger
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Timeout:    Per-request deadline; the engine rolls back when it fires
  6. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/purchases/*      Buyer purchases and history
  /api/coins/*          Buyer coin balance
  /api/products/*       Catalogue (sellers mutate their own)
  /api/users            User registration for seeding
  /api/scenarios/*      Demo scenarios

TRACING:
  The whole router is wrapped by otelhttp, so each request opens a server
  span that the engine's spans attach to.

SECURITY NOTE:
  No authentication middleware. Identity headers are trusted as set by the
  gateway in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterOptions carries the transport settings taken from config.
type RouterOptions struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(h.Logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderUserID, HeaderUserRole},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/purchases", func(r chi.Router) {
			r.Post("/", h.Purchase)
			r.Get("/", h.ListPurchases)
			r.Get("/{id}", h.GetPurchase)
		})

		r.Route("/coins", func(r chi.Router) {
			r.Post("/", h.Credit)
			r.Get("/", h.GetBalance)
			r.Post("/reset", h.ResetBalance)
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Get("/{id}", h.GetProduct)
			r.Patch("/{id}", h.UpdateProduct)
			r.Delete("/{id}", h.DeleteProduct)
		})

		r.Post("/users", h.CreateUser)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return otelhttp.NewHandler(r, "coin-market")
}
