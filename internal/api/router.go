/**
 * @description
 * This file sets up the HTTP router for the boleto-service. It defines the API endpoints,
 * associates them with their corresponding handlers, and applies middleware for logging,
 * CORS, authentication and permissions.
 *
 * Upload routes are not wrapped in a request timeout: once a submission has been accepted
 * every item is processed to completion.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the admin UI.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds what the router needs besides the handlers.
type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	Metrics        http.Handler
}

// BoletoRoutes creates and returns a new router for the boleto service.
func BoletoRoutes(h *BoletoHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSecret))
		timeout := middleware.Timeout(30 * time.Second)

		r.Group(func(r chi.Router) {
			r.Use(RequirePermission(PermissionUpload))
			r.Post("/boletos/single", h.IngestSingleHandler)
			r.Post("/boletos/student-batch", h.IngestStudentBatchHandler)
			r.Post("/boletos/filename-batch", h.IngestFilenameBatchHandler)
			r.With(timeout).Get("/boletos/sequence", h.SequencePreviewHandler)
		})

		r.With(timeout, RequirePermission(PermissionRead)).Get("/boletos/{number}/pix-discount", h.PixDiscountHandler)
		r.With(timeout, RequirePermission(PermissionDiagnose)).Get("/enrollments/diagnosis", h.EnrollmentDiagnosisHandler)
	})

	return r
}
