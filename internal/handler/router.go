package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	sessionhandler "github.com/zhouzirui/freeze-detector/backend/internal/handler/session"
	"github.com/zhouzirui/freeze-detector/backend/internal/logging"
	"github.com/zhouzirui/freeze-detector/backend/pkg/utils"
)

// SessionStore is what the router needs from the session service.
type SessionStore interface {
	sessionhandler.Store
	Backend() string
	Ping(ctx context.Context) error
}

// NewRouter wires HTTP routes to the session store.
func NewRouter(store SessionStore, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	sessions := sessionhandler.New(store)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			if err := store.Ping(ctx); err != nil {
				logging.Warnw("health check failed", "store", store.Backend(), "err", err)
				utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"store":  store.Backend(),
				})
				return
			}
			utils.RespondJSON(w, http.StatusOK, map[string]string{
				"status": "healthy",
				"store":  store.Backend(),
			})
		})

		sessions.RegisterRoutes(api)
	})

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

// requestLogger logs one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logging.Infow("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
