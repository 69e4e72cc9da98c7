package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relayforge/notify-relay/internal/models"
	"github.com/relayforge/notify-relay/pkg/metrics"
)

// NewRouter wires the exact surface of spec.md §6 onto a gorilla/mux router.
func NewRouter(h *Handlers, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/notifications").Subrouter()
	api.HandleFunc("/email", h.Notify(models.ChannelEmail)).Methods("POST")
	api.HandleFunc("/sms", h.Notify(models.ChannelSMS)).Methods("POST")
	api.HandleFunc("/push", h.Notify(models.ChannelPush)).Methods("POST")

	r.HandleFunc("/health", h.Health()).Methods("GET")
	r.HandleFunc("/ready", h.Ready()).Methods("GET")
	r.Handle("/metrics", m.Handler()).Methods("GET")

	return r
}

// NewWorkerRouter exposes the same health/metrics surface for the worker
// process, which has no notification-submission routes of its own.
func NewWorkerRouter(connected func() bool, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		broker := "disconnected"
		if connected() {
			broker = "connected"
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"services": map[string]string{
				"broker": broker,
			},
		})
	}).Methods("GET")
	r.Handle("/metrics", m.Handler()).Methods("GET")
	return r
}
