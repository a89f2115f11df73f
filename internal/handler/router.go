package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/vasiliy-maslov/cart-checkout/internal/auth"
)

type RouterDeps struct {
	Logger      zerolog.Logger
	ServiceName string
	Auth        auth.TokenValidator
	Cart        *CartHandler
	Order       *OrderHandler
}

func NewRouter(deps RouterDeps) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(hlog.NewHandler(deps.Logger))
	router.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
	router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "OK", "service": deps.ServiceName})
	})

	router.Route("/api", func(api chi.Router) {
		api.Use(auth.Authenticate(deps.Auth))
		deps.Cart.RegisterRoutes(api)
		deps.Order.RegisterRoutes(api)
	})

	return router
}
