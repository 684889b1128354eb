// Package eta turns raw positions into route estimates: per-stop arrival
// times, approaching-vehicle rankings, and map visualization data.
package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dzbus/buswatch/internal/apperr"
	"github.com/dzbus/buswatch/internal/cache"
	"github.com/dzbus/buswatch/internal/geo"
	"github.com/dzbus/buswatch/internal/models"
)

type Repository interface {
	OpenSessionForVehicle(ctx context.Context, vehicleID string) (*models.Session, error)
	ActiveSessionsOnRoute(ctx context.Context, routeID string) ([]*models.Session, error)
	LatestLocation(ctx context.Context, sessionID uint64) (*models.LocationUpdate, error)
	RouteStops(ctx context.Context, routeID string) ([]models.Stop, error)
	RouteSegments(ctx context.Context, routeID string) (map[[2]string]models.RouteSegment, error)
	RoutesForStop(ctx context.Context, stopID string) ([]string, error)
	GetStop(ctx context.Context, stopID string) (*models.Stop, error)
	UpsertRouteStops(ctx context.Context, routeID string, stops []models.Stop) error
	UpsertRouteSegments(ctx context.Context, segments []models.RouteSegment) error
}

type Config struct {
	DefaultUrbanSpeedKMH  float64
	WeekdayPeakMultiplier float64
	WeekendPeakMultiplier float64
	VisualizationTTL      time.Duration
}

type Service struct {
	repo  Repository
	cache cache.BytesCache
	cfg   Config
	log   *slog.Logger

	now func() time.Time
}

func New(repo Repository, c cache.BytesCache, cfg Config, log *slog.Logger) *Service {
	if cfg.DefaultUrbanSpeedKMH <= 0 {
		cfg.DefaultUrbanSpeedKMH = 25
	}
	if cfg.VisualizationTTL <= 0 {
		cfg.VisualizationTTL = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, cache: c, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// StopETA is one remaining stop with its leg metrics and the accumulated
// arrival time.
type StopETA struct {
	Stop               models.Stop `json:"stop"`
	LegDistanceMeters  float64     `json:"leg_distance_meters"`
	LegDurationSeconds float64     `json:"leg_duration_seconds"`
	ETA                time.Time   `json:"eta"`
}

type RouteEstimate struct {
	SessionID uint64 `json:"session_id"`
	VehicleID string `json:"vehicle_id"`
	RouteID   string `json:"route_id"`

	// Idle means the session exists but has no samples yet; there is
	// nothing to estimate from.
	Idle bool `json:"idle"`

	ComputedAt        time.Time `json:"computed_at"`
	EffectiveSpeedKMH float64   `json:"effective_speed_kmh"`
	TrafficMultiplier float64   `json:"traffic_multiplier"`
	ProgressPercent   float64   `json:"progress_percent"`

	Stops []StopETA `json:"stops"`
}

// EstimatedRoute computes arrival times for every remaining stop of the
// vehicle's route, optionally cut at a destination stop. Accumulated ETAs are
// monotone: each stop's ETA is never earlier than the previous one.
func (s *Service) EstimatedRoute(ctx context.Context, vehicleID, destinationStopID string) (*RouteEstimate, error) {
	if vehicleID == "" {
		return nil, apperr.Validation("vehicleId is required")
	}

	sess, err := s.repo.OpenSessionForVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}

	stops, err := s.repo.RouteStops(ctx, sess.RouteID)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, apperr.NotFound("route %s has no stops", sess.RouteID)
	}

	destIdx := len(stops) - 1
	if destinationStopID != "" {
		destIdx = -1
		for i, st := range stops {
			if st.ID == destinationStopID {
				destIdx = i
				break
			}
		}
		if destIdx < 0 {
			return nil, apperr.NotFound("stop %s is not on route %s", destinationStopID, sess.RouteID)
		}
	}

	now := s.now()
	est := &RouteEstimate{
		SessionID:  sess.ID,
		VehicleID:  sess.VehicleID,
		RouteID:    sess.RouteID,
		ComputedAt: now,
	}

	latest, err := s.repo.LatestLocation(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		est.Idle = true
		return est, nil
	}

	segments, err := s.repo.RouteSegments(ctx, sess.RouteID)
	if err != nil {
		return nil, err
	}

	anchorIdx := nearestStopIndex(latest.Latitude, latest.Longitude, stops)

	est.EffectiveSpeedKMH = s.effectiveSpeed(latest)
	est.TrafficMultiplier = trafficMultiplier(now, s.cfg.WeekdayPeakMultiplier, s.cfg.WeekendPeakMultiplier)
	est.ProgressPercent = progressPercent(sess.DistanceMeters, stops, segments)

	speedMPS := est.EffectiveSpeedKMH / 3.6

	cum := 0.0
	prevLat, prevLon := latest.Latitude, latest.Longitude
	prevStopID := ""
	for i := anchorIdx; i <= destIdx; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st := stops[i]
		dist := legDistance(prevStopID, st, prevLat, prevLon, segments)
		cum += dist / speedMPS * est.TrafficMultiplier

		est.Stops = append(est.Stops, StopETA{
			Stop:               st,
			LegDistanceMeters:  dist,
			LegDurationSeconds: dist / speedMPS * est.TrafficMultiplier,
			ETA:                now.Add(time.Duration(cum * float64(time.Second))),
		})

		prevLat, prevLon = st.Latitude, st.Longitude
		prevStopID = st.ID
	}

	return est, nil
}

// ArrivalEstimate ranks one approaching vehicle at a stop.
type ArrivalEstimate struct {
	VehicleID string `json:"vehicle_id"`
	SessionID uint64 `json:"session_id"`
	RouteID   string `json:"route_id"`

	ETA                time.Time `json:"eta"`
	DistanceMeters     float64   `json:"distance_meters"`
	ReliabilityPercent float64   `json:"reliability_percent"`
}

// ArrivalEstimates lists vehicles approaching a stop, soonest first. The
// reliability score decays one percent per minute of sample age down to zero.
func (s *Service) ArrivalEstimates(ctx context.Context, stopID, routeID string) ([]ArrivalEstimate, error) {
	if stopID == "" {
		return nil, apperr.Validation("stopId is required")
	}

	stop, err := s.repo.GetStop(ctx, stopID)
	if err != nil {
		return nil, err
	}
	if stop == nil {
		return nil, apperr.NotFound("stop %s", stopID)
	}

	routes := []string{routeID}
	if routeID == "" {
		routes, err = s.repo.RoutesForStop(ctx, stopID)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	var out []ArrivalEstimate
	for _, rid := range routes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sessions, err := s.repo.ActiveSessionsOnRoute(ctx, rid)
		if err != nil {
			return nil, err
		}
		for _, sess := range sessions {
			est, err := s.EstimatedRoute(ctx, sess.VehicleID, stopID)
			if err != nil {
				if apperr.Is(err, apperr.KindNotFound) {
					continue
				}
				return nil, err
			}
			if est.Idle || len(est.Stops) == 0 {
				continue
			}

			last := est.Stops[len(est.Stops)-1]
			if last.Stop.ID != stopID {
				continue
			}

			latest, err := s.repo.LatestLocation(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			var dist float64
			for _, leg := range est.Stops {
				dist += leg.LegDistanceMeters
			}
			out = append(out, ArrivalEstimate{
				VehicleID:          sess.VehicleID,
				SessionID:          sess.ID,
				RouteID:            rid,
				ETA:                last.ETA,
				DistanceMeters:     dist,
				ReliabilityPercent: reliability(now, latest.RecordedAt),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ETA.Before(out[j].ETA) })
	return out, nil
}

// Visualization payloads for the map frontends.
type Visualization struct {
	RouteID  string       `json:"route_id"`
	Markers  []models.Stop `json:"markers"`
	Segments []VizSegment `json:"segments"`
	Vehicles []VizVehicle `json:"vehicles"`
	Bounds   VizBounds    `json:"bounds"`

	GeneratedAt time.Time `json:"generated_at"`
}

type VizSegment struct {
	FromStopID     string  `json:"from_stop_id"`
	ToStopID       string  `json:"to_stop_id"`
	Polyline       string  `json:"polyline,omitempty"`
	DistanceMeters float64 `json:"distance_meters"`
}

type VizVehicle struct {
	VehicleID  string    `json:"vehicle_id"`
	SessionID  uint64    `json:"session_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	SpeedKMH   *float64  `json:"speed_kmh,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`

	PassengerCount int `json:"passenger_count"`
}

type VizBounds struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// RouteVisualization assembles the map payload for a route, cached under a
// short TTL since every open map client polls it.
func (s *Service) RouteVisualization(ctx context.Context, routeID string) (*Visualization, error) {
	if routeID == "" {
		return nil, apperr.Validation("routeId is required")
	}

	key := vizKey(routeID)
	if s.cache != nil {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var v Visualization
			if json.Unmarshal(b, &v) == nil {
				return &v, nil
			}
		}
	}

	stops, err := s.repo.RouteStops(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, apperr.NotFound("route %s", routeID)
	}

	segments, err := s.repo.RouteSegments(ctx, routeID)
	if err != nil {
		return nil, err
	}

	v := &Visualization{RouteID: routeID, Markers: stops, GeneratedAt: s.now()}
	for i := 1; i < len(stops); i++ {
		seg := VizSegment{FromStopID: stops[i-1].ID, ToStopID: stops[i].ID}
		if stored, ok := segments[[2]string{seg.FromStopID, seg.ToStopID}]; ok {
			seg.Polyline = stored.Polyline
			seg.DistanceMeters = stored.DistanceMeters
		} else {
			seg.DistanceMeters = geo.HaversineMeters(
				stops[i-1].Latitude, stops[i-1].Longitude,
				stops[i].Latitude, stops[i].Longitude)
		}
		v.Segments = append(v.Segments, seg)
	}

	sessions, err := s.repo.ActiveSessionsOnRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		latest, err := s.repo.LatestLocation(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			continue
		}
		v.Vehicles = append(v.Vehicles, VizVehicle{
			VehicleID:  sess.VehicleID,
			SessionID:  sess.ID,
			Latitude:   latest.Latitude,
			Longitude:  latest.Longitude,
			SpeedKMH:   latest.SpeedKMH,
			Heading:    latest.Heading,
			RecordedAt: latest.RecordedAt,

			PassengerCount: sess.PassengerCount,
		})
	}

	v.Bounds = computeBounds(v)

	if s.cache != nil {
		if b, err := json.Marshal(v); err == nil {
			_ = s.cache.Set(ctx, key, b, s.cfg.VisualizationTTL)
		}
	}
	return v, nil
}

// LoadRoute replaces a route's stop sequence and optional road-network
// segments. Geometry is owned by the fleet-management subsystem; this is the
// path it loads through. The visualization cache is left to expire on its own
// short TTL.
func (s *Service) LoadRoute(ctx context.Context, routeID string, stops []models.Stop, segments []models.RouteSegment) error {
	if routeID == "" {
		return apperr.Validation("routeId is required")
	}
	if len(stops) < 2 {
		return apperr.Validation("a route needs at least two stops")
	}
	for i := range stops {
		if stops[i].ID == "" {
			return apperr.Validation("stop %d has no id", i)
		}
		if !geo.ValidCoordinates(stops[i].Latitude, stops[i].Longitude) {
			return apperr.Validation("stop %s has invalid coordinates", stops[i].ID)
		}
		if stops[i].Order == 0 {
			stops[i].Order = i + 1
		}
	}

	if err := s.repo.UpsertRouteStops(ctx, routeID, stops); err != nil {
		return err
	}
	if len(segments) > 0 {
		if err := s.repo.UpsertRouteSegments(ctx, segments); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) effectiveSpeed(latest *models.LocationUpdate) float64 {
	if latest.SpeedKMH != nil && *latest.SpeedKMH > 1 {
		return *latest.SpeedKMH
	}
	return s.cfg.DefaultUrbanSpeedKMH
}

func nearestStopIndex(lat, lon float64, stops []models.Stop) int {
	best := 0
	bestDist := geo.HaversineMeters(lat, lon, stops[0].Latitude, stops[0].Longitude)
	for i := 1; i < len(stops); i++ {
		d := geo.HaversineMeters(lat, lon, stops[i].Latitude, stops[i].Longitude)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func legDistance(prevStopID string, to models.Stop, fromLat, fromLon float64, segments map[[2]string]models.RouteSegment) float64 {
	if prevStopID != "" {
		if seg, ok := segments[[2]string{prevStopID, to.ID}]; ok {
			return seg.DistanceMeters
		}
	}
	return geo.HaversineMeters(fromLat, fromLon, to.Latitude, to.Longitude)
}

func progressPercent(traveled float64, stops []models.Stop, segments map[[2]string]models.RouteSegment) float64 {
	var total float64
	for i := 1; i < len(stops); i++ {
		if seg, ok := segments[[2]string{stops[i-1].ID, stops[i].ID}]; ok {
			total += seg.DistanceMeters
		} else {
			total += geo.HaversineMeters(stops[i-1].Latitude, stops[i-1].Longitude, stops[i].Latitude, stops[i].Longitude)
		}
	}
	if total <= 0 {
		return 0
	}
	p := traveled / total * 100
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

func reliability(now, sampleAt time.Time) float64 {
	ageMinutes := now.Sub(sampleAt).Minutes()
	if ageMinutes < 0 {
		ageMinutes = 0
	}
	r := 100 - ageMinutes
	if r < 0 {
		return 0
	}
	return r
}

func computeBounds(v *Visualization) VizBounds {
	b := VizBounds{
		MinLat: v.Markers[0].Latitude, MaxLat: v.Markers[0].Latitude,
		MinLon: v.Markers[0].Longitude, MaxLon: v.Markers[0].Longitude,
	}
	grow := func(lat, lon float64) {
		if lat < b.MinLat {
			b.MinLat = lat
		}
		if lat > b.MaxLat {
			b.MaxLat = lat
		}
		if lon < b.MinLon {
			b.MinLon = lon
		}
		if lon > b.MaxLon {
			b.MaxLon = lon
		}
	}
	for _, m := range v.Markers {
		grow(m.Latitude, m.Longitude)
	}
	for _, veh := range v.Vehicles {
		grow(veh.Latitude, veh.Longitude)
	}
	return b
}

func vizKey(routeID string) string {
	return fmt.Sprintf("route:%s:viz", routeID)
}
