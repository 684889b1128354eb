// Package trackapi exposes the tracking core over REST. Handlers stay thin:
// decode, call the service, map the error kind to a status code.
package trackapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/services/anomaly"
	"github.com/dzbus/buswatch/internal/services/eta"
	"github.com/dzbus/buswatch/internal/services/ingest"
	"github.com/dzbus/buswatch/internal/services/reconciler"
	"github.com/dzbus/buswatch/internal/services/sessions"
)

type TrackAPI struct {
	sessions  *sessions.Service
	ingest    *ingest.Service
	eta       *eta.Service
	anomalies *anomaly.Service
	batches   *reconciler.Service

	log *slog.Logger
}

func New(ss *sessions.Service, is *ingest.Service, es *eta.Service, as *anomaly.Service, rs *reconciler.Service, log *slog.Logger) *TrackAPI {
	if log == nil {
		log = slog.Default()
	}
	return &TrackAPI{sessions: ss, ingest: is, eta: es, anomalies: as, batches: rs, log: log}
}

func (a *TrackAPI) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", a.startSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", a.getSession)
			r.Get("/logs", a.listSessionLogs)
			r.Post("/pause", a.pauseSession)
			r.Post("/resume", a.resumeSession)
			r.Post("/end", a.endSession)
			r.Post("/occupancy", a.updateOccupancy)
			r.Post("/locations", a.ingestLocation)
			r.Post("/locations/batch", a.ingestLocationBatch)
			r.Get("/locations", a.listLocations)
			r.Get("/location", a.currentLocation)
		})

		r.Route("/vehicles/{vehicleID}", func(r chi.Router) {
			r.Get("/location", a.vehicleLocation)
			r.Get("/eta", a.vehicleETA)
			r.Get("/anomalies", a.vehicleAnomalies)
		})

		r.Get("/stops/{stopID}/arrivals", a.stopArrivals)
		r.Get("/routes/{routeID}/visualization", a.routeVisualization)
		r.Put("/routes/{routeID}/stops", a.loadRoute)

		r.Post("/offline-batches", a.submitBatch)
		r.Post("/offline-batches/{batchID}/reconcile", a.reconcileBatch)

		r.Post("/anomalies/{anomalyID}/resolve", a.resolveAnomaly)
	})

	return r
}

type errorBody struct {
	Kind    string   `json:"kind"`
	Detail  string   `json:"detail"`
	Reasons []string `json:"reasons,omitempty"`
}

func (a *TrackAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pf *apperr.PartialFailure
	if errors.As(err, &pf) {
		// 207: the batch was neither fully accepted nor fully rejected.
		writeJSON(w, http.StatusMultiStatus, errorBody{
			Kind:    string(apperr.KindPartialFailure),
			Detail:  pf.Error(),
			Reasons: pf.Reasons,
		})
		return
	}

	var status int
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict, apperr.KindInvalidState:
		status = http.StatusConflict
	case apperr.KindRejected:
		status = http.StatusUnprocessableEntity
	default:
		a.log.Error("internal error", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Kind: "internal", Detail: "internal error"})
		return
	}

	var ae *apperr.Error
	_ = errors.As(err, &ae)
	writeJSON(w, status, errorBody{Kind: string(ae.Kind), Detail: ae.Detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Validation("%s must be a positive integer", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
