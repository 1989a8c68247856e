package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cbo-portal/golang_services/internal/payment_service/middleware"
)

// RouterConfig wires the payment service's HTTP surface.
type RouterConfig struct {
	Functions      *FunctionsHandler
	Callbacks      *CallbackHandler
	JWTSecret      []byte
	AllowedOrigins []string
	// RequestTimeout must exceed the reconciliation poll window.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chi_middleware.RequestID)
	r.Use(chi_middleware.RealIP)
	r.Use(chi_middleware.Recoverer)
	r.Use(requestLogger(cfg.Logger))
	r.Use(PrometheusMetricsMiddleware)
	if cfg.RequestTimeout > 0 {
		r.Use(chi_middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/functions", func(fr chi.Router) {
		fr.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Client-Info", "Apikey"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		fr.Use(middleware.AuthMiddleware(cfg.JWTSecret, cfg.Logger))
		fr.Post("/mpesa", cfg.Functions.Mpesa)
		fr.Post("/pesapal", cfg.Functions.Pesapal)
	})

	r.Route("/callbacks", func(cr chi.Router) {
		cr.Post("/mpesa/stk", cfg.Callbacks.HandleSTKCallback)
		cr.Get("/pesapal/ipn", cfg.Callbacks.HandleIPN)
		cr.Post("/pesapal/ipn", cfg.Callbacks.HandleIPN)
	})

	return r
}

// requestLogger logs each request once it has been served.
func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chi_middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", ww.Status()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", chi_middleware.GetReqID(r.Context())),
				slog.String("remote_ip", r.RemoteAddr),
			)
		})
	}
}
