package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"genstudio/internal/http/handlers"
	"genstudio/internal/middleware"
)

// Options carries the router's cross-cutting settings.
type Options struct {
	JWTSecret       string
	CORSOrigins     []string
	RateLimitPerMin int
	Logger          zerolog.Logger
	// Files serves signed object URLs for the filesystem storage backend.
	Files http.Handler
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	// Public
	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)
	r.Get("/v1/models", app.Models)
	r.Get("/v1/credits/packages", app.CreditsPackages)
	r.Post("/v1/webhooks/stripe", app.StripeWebhook)
	if opts.Files != nil {
		r.Handle("/files/*", opts.Files)
	}

	// Authenticated
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))

		r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/v1/generations", app.GenerationsCreate)
		r.Get("/v1/generations", app.GenerationsList)
		r.Get("/v1/generations/archive", app.GenerationsArchive)
		r.Get("/v1/generations/{id}", app.GenerationsGet)
		r.Delete("/v1/generations/{id}", app.GenerationsDelete)

		r.Get("/v1/credits", app.CreditsBalance)
		r.Post("/v1/credits/cost", app.CreditsCost)
		r.Post("/v1/credits/checkout", app.CreditsCheckout)
	})

	return r
}
