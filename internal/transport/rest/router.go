package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

type RouterDeps struct {
	Cache    domain.CacheRepository
	Handler  *Handler
	Verifier security.AccessTokenVerifier

	// Global per-IP limit; disabled when RLLimit <= 0.
	RLLimit  int
	RLWindow time.Duration

	// Extra per-IP limit on join request submission.
	JoinRLLimit  int
	JoinRLWindow time.Duration

	// Ready reports dependency health for /healthz. Optional.
	Ready func(ctx context.Context) error
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Cache == nil {
		panic("rest.NewRouter: nil cache")
	}
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(Metrics)

	// Panic recovery
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/healthz", healthz(d.Ready))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if d.RLLimit > 0 {
			r.Use(RateLimitMiddleware(d.Cache, d.RLLimit, d.RLWindow))
		}
		r.Use(AuthMiddleware(d.Verifier))

		r.Post("/reservations", d.Handler.CreateReservation)
		r.Get("/reservations/{reservationID}", d.Handler.GetReservation)
		r.Delete("/reservations/{reservationID}", d.Handler.CancelReservation)
		r.Get("/reservations/{reservationID}/join-requests", d.Handler.ListJoinRequests)
		r.Get("/me/reservations", d.Handler.MyReservations)

		r.Get("/events/{eventID}/open-tables", d.Handler.ListOpenTables)
		r.Get("/open-tables/{reservationID}", d.Handler.GetListing)

		submit := http.HandlerFunc(d.Handler.SubmitJoinRequest)
		if d.JoinRLLimit > 0 {
			r.With(joinRateLimit(d.JoinRLLimit, d.JoinRLWindow)).
				Post("/open-tables/{reservationID}/join-requests", submit)
		} else {
			r.Post("/open-tables/{reservationID}/join-requests", submit)
		}

		r.Post("/join-requests/{requestID}/decision", d.Handler.RespondToJoinRequest)
		r.Delete("/join-requests/{requestID}", d.Handler.WithdrawJoinRequest)
		r.Get("/me/join-requests", d.Handler.MyJoinRequests)
	})

	return r
}

func joinRateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			fail(w, r, http.StatusTooManyRequests, "rate_limited", "too many join requests", nil)
		}),
	)
}

func healthz(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				fail(w, r, http.StatusServiceUnavailable, string(domain.KindUnavailable), "not ready", nil)
				return
			}
		}
		response.Data(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
