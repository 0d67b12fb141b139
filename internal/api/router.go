package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"popup-policy-engine/internal/observability"
)

func Router(h *PopupHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Second))

	r.Get("/v1/popup", h.Popup)
	r.Post("/v1/popup/later", h.Later)
	r.Post("/v1/popup/notice-seen", h.NoticeSeen)
	r.Post("/v1/popup/dismissed", h.Dismissed)
	r.Get("/v1/ads/interstitial", h.InterstitialAllowed)
	r.Post("/v1/ads/interstitial", h.InterstitialShown)
	r.Get("/v1/snapshot", h.Snapshot)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}
