package router

import (
	"net/http"
	"time"

	"github.com/pvzzle/cryptopay/internal/handler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func SetupRoutes(
	paymentHandler *handler.PaymentHandler,
	auth func(http.Handler) http.Handler,
	metrics http.Handler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// no Timeout middleware: verify may hold the request for a whole confirmation session
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api/v1/payments/crypto", func(r chi.Router) {
		r.With(auth).Post("/verify", paymentHandler.Verify)
		for _, m := range []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete} {
			r.MethodFunc(m, "/verify", paymentHandler.MethodNotAllowed)
		}

		r.Group(func(r chi.Router) {
			r.Use(auth)

			r.Get("/sessions/{id}", paymentHandler.GetSession)
			r.Delete("/sessions/{id}", paymentHandler.CancelSession)
			r.Get("/{transactionHash}", paymentHandler.GetPayment)
		})
	})

	return r
}

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
