package consumer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskpilot/platform/internal/platform/metrics"
)

// subscribeEntry is one row of the discovery document the bus infrastructure
// reads to wire delivery.
type subscribeEntry struct {
	Topic string `json:"topic"`
	Route string `json:"route"`
}

// Router exposes the sidecar delivery surface: GET /subscribe for discovery,
// one POST route per subscription, plus health and metrics. The route list
// and the bound handlers come from the same slice, so a registered route
// always exists and an unregistered topic never receives events.
func (r *Runtime) Router(ready func(context.Context) error) http.Handler {
	mux := chi.NewRouter()

	mux.Get("/subscribe", func(w http.ResponseWriter, _ *http.Request) {
		entries := make([]subscribeEntry, 0, len(r.subs))
		for _, sub := range r.subs {
			entries = append(entries, subscribeEntry{Topic: string(sub.Topic), Route: sub.Route})
		}
		writeJSON(w, http.StatusOK, entries)
	})

	for _, sub := range r.subs {
		sub := sub
		mux.Post(sub.Route, func(w http.ResponseWriter, req *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, 1<<20))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"status": "DROP"})
				return
			}
			attempt := 1
			switch r.Process(req.Context(), sub, body, attempt) {
			case OutcomeAck:
				writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
			case OutcomeRetry:
				writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "RETRY"})
			case OutcomeDeadLetter:
				writeJSON(w, http.StatusOK, map[string]string{"status": "DROP"})
			}
		})
	}

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			if err := ready(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Method(http.MethodGet, "/metrics", metrics.DefaultHandler())

	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
