package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mmeshcher/macro-funnel/internal/apperror"
	custommiddleware "github.com/mmeshcher/macro-funnel/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware API калькулятора.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Encoding"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(preflight)
	r.Use(custommiddleware.SecurityHeaders)
	r.Use(custommiddleware.GzipMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperror.Write(w, apperror.New(http.StatusNotFound, apperror.CodeNotFound, "route not found"))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperror.Write(w, apperror.New(http.StatusMethodNotAllowed, apperror.CodeMethodNotAllowed, "method not allowed"))
	})

	r.Get("/healthz", h.Health)

	r.Route("/api/v1/calculator", func(r chi.Router) {
		r.Post("/session", h.StartSession)
		r.Get("/payment/tiers", h.GetTiers)
		r.Get("/report/{token}/status", h.ReportStatus)
		r.Get("/report/{token}/content", h.ReportContent)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireJSON)

			r.Post("/validate", h.ValidateSession)
			r.Post("/step/{step}", h.SaveStep)
			r.Post("/payment/initiate", h.InitiatePayment)
			r.Post("/payment/verify", h.VerifyPayment)
			r.Post("/report/init", h.InitReport)
		})
	})

	return r
}

// preflight отвечает на OPTIONS без тела, даже если запрос не является CORS-preflight.
func preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
