package trackapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/models"
)

type startSessionRequest struct {
	VehicleID  string            `json:"vehicle_id"`
	OperatorID string            `json:"operator_id"`
	RouteID    string            `json:"route_id"`
	ScheduleID *string           `json:"schedule_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (a *TrackAPI) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	sess, err := a.sessions.Start(r.Context(), models.SessionStartInput{
		VehicleID:  req.VehicleID,
		OperatorID: req.OperatorID,
		RouteID:    req.RouteID,
		ScheduleID: req.ScheduleID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (a *TrackAPI) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "sessionID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	sess, err := a.sessions.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *TrackAPI) listSessionLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "sessionID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	logs, err := a.sessions.ListLogs(r.Context(), id, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLogResponses(logs))
}

func (a *TrackAPI) pauseSession(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.sessions.Pause)
}

func (a *TrackAPI) resumeSession(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.sessions.Resume)
}

func (a *TrackAPI) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uint64) (*models.Session, error)) {
	id, err := pathID(r, "sessionID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	sess, err := fn(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type endSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *TrackAPI) endSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "sessionID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req endSessionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	sess, err := a.sessions.End(r.Context(), id, req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type occupancyRequest struct {
	PassengerCount int `json:"passenger_count"`
}

func (a *TrackAPI) updateOccupancy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "sessionID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req occupancyRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	sess, err := a.sessions.SetOccupancy(r.Context(), id, req.PassengerCount)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *TrackAPI) ingestLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "sessionID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var sample models.LocationSample
	if err := decodeJSON(r, &sample); err != nil {
		a.writeError(w, r, err)
		return
	}
	upd, err := a.ingest.IngestOne(r.Context(), id, sample)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLocationResponse(upd))
}

type batchIngestRequest struct {
	Samples []models.LocationSample `json:"samples"`
}

func (a *TrackAPI) ingestLocationBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "sessionID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req batchIngestRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.ingest.IngestBatch(r.Context(), id, req.Samples)
	var pf *apperr.PartialFailure
	if errors.As(err, &pf) {
		// Accepted samples are stored; report both sides of the split.
		writeJSON(w, http.StatusMultiStatus, batchResultBody(res))
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResultBody(res))
}

func (a *TrackAPI) listLocations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "sessionID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	locs, err := a.ingest.History(r.Context(), id, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]locationResponse, 0, len(locs))
	for _, u := range locs {
		out = append(out, toLocationResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *TrackAPI) currentLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "sessionID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	cur, err := a.ingest.CurrentLocation(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (a *TrackAPI) vehicleLocation(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleID")
	sess, err := a.sessions.ActiveForVehicle(r.Context(), vehicleID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	cur, err := a.ingest.CurrentLocation(r.Context(), sess.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (a *TrackAPI) vehicleETA(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleID")
	est, err := a.eta.EstimatedRoute(r.Context(), vehicleID, r.URL.Query().Get("destination_stop"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (a *TrackAPI) vehicleAnomalies(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleID")
	onlyUnresolved := r.URL.Query().Get("unresolved") == "true"
	list, err := a.anomalies.ListForVehicle(r.Context(), vehicleID, onlyUnresolved,
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]anomalyResponse, 0, len(list))
	for _, item := range list {
		out = append(out, toAnomalyResponse(item))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *TrackAPI) stopArrivals(w http.ResponseWriter, r *http.Request) {
	stopID := chi.URLParam(r, "stopID")
	arrivals, err := a.eta.ArrivalEstimates(r.Context(), stopID, r.URL.Query().Get("route"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arrivals)
}

func (a *TrackAPI) routeVisualization(w http.ResponseWriter, r *http.Request) {
	viz, err := a.eta.RouteVisualization(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viz)
}

type loadRouteRequest struct {
	Stops    []models.Stop      `json:"stops"`
	Segments []routeSegmentBody `json:"segments,omitempty"`
}

type routeSegmentBody struct {
	FromStopID      string  `json:"from_stop_id"`
	ToStopID        string  `json:"to_stop_id"`
	Polyline        string  `json:"polyline,omitempty"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds int     `json:"duration_seconds"`
}

func (a *TrackAPI) loadRoute(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeID")
	var req loadRouteRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	segments := make([]models.RouteSegment, 0, len(req.Segments))
	for _, seg := range req.Segments {
		segments = append(segments, models.RouteSegment{
			FromStopID:      seg.FromStopID,
			ToStopID:        seg.ToStopID,
			Polyline:        seg.Polyline,
			DistanceMeters:  seg.DistanceMeters,
			DurationSeconds: seg.DurationSeconds,
		})
	}
	if err := a.eta.LoadRoute(r.Context(), routeID, req.Stops, segments); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitBatchRequest struct {
	ClientKey   string                  `json:"client_key"`
	VehicleID   string                  `json:"vehicle_id"`
	OperatorID  string                  `json:"operator_id"`
	RouteID     string                  `json:"route_id"`
	CollectedAt time.Time               `json:"collected_at"`
	Samples     []models.LocationSample `json:"samples"`
}

func (a *TrackAPI) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	b, created, err := a.batches.Submit(r.Context(), models.OfflineBatchCreateInput{
		ClientKey:   req.ClientKey,
		VehicleID:   req.VehicleID,
		OperatorID:  req.OperatorID,
		RouteID:     req.RouteID,
		CollectedAt: req.CollectedAt,
		Samples:     req.Samples,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toBatchResponse(b))
}

func (a *TrackAPI) reconcileBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "batchID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.batches.Reconcile(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resolveAnomalyRequest struct {
	Notes string `json:"notes,omitempty"`
}

func (a *TrackAPI) resolveAnomaly(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "anomalyID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req resolveAnomalyRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	res, err := a.anomalies.Resolve(r.Context(), id, req.Notes)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnomalyResponse(res))
}
