package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/attention-credit/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5, "application/json"))
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/user", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/watch", h.ReportWatch)
		r.Post("/watch/pause", h.PauseWatch)
		r.Get("/watch/{contentID}/resume", h.ResumePosition)
		r.Post("/playback-rate", h.PlaybackRate)
		r.Post("/interactions", h.ReportInteraction)
		r.Post("/streak/touch", h.TouchStreak)

		r.Get("/balance", h.GetBalance)
		r.Post("/balance/withdraw", h.Withdraw)
		r.Get("/withdrawals", h.GetWithdrawals)
		r.Get("/achievements", h.GetAchievements)
	})

	if h.adminToken != "" {
		r.Route("/api/admin", func(r chi.Router) {
			r.Use(h.adminOnly)
			r.Post("/wallets/{userID}/unfreeze", h.Unfreeze)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

// adminOnly пропускает запросы со статическим токеном поддержки в заголовке Authorization.
func (h *Handler) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(tok), []byte(h.adminToken)) != 1 {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
