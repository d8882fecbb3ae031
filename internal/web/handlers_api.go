package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"solarwatt-bridge/internal/store"
)

// healthResponse is the /api/health body.
type healthResponse struct {
	Available           bool      `json:"available"`
	Sequence            uint64    `json:"sequence"`
	SnapshotTaken       time.Time `json:"snapshot_taken,omitempty"`
	SnapshotAgeSeconds  float64   `json:"snapshot_age_seconds,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	PollInterval        string    `json:"poll_interval"`
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	failure := s.coord.Failure()
	cfg := s.coord.Config()
	resp := healthResponse{
		Available:           s.coord.Available(),
		ConsecutiveFailures: failure.ConsecutiveFailures,
		LastErrorKind:       failure.LastErrorKind,
		LastError:           failure.LastError,
		LastSuccess:         failure.LastSuccess,
		PollInterval:        cfg.Interval.String(),
	}
	if snap := s.coord.Snapshot(); snap != nil {
		resp.Sequence = snap.Sequence
		resp.SnapshotTaken = snap.Taken
		resp.SnapshotAgeSeconds = time.Since(snap.Taken).Seconds()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPISnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Snapshot()
	if snap == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// metricView is one catalog entry in the /api/metrics response.
type metricView struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	DeviceClass string `json:"device_class,omitempty"`
	StateClass  string `json:"state_class,omitempty"`
	Precision   int    `json:"precision"`
}

func (s *Server) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	defs := s.registry.Definitions()
	views := make([]metricView, 0, len(defs))
	for _, d := range defs {
		views = append(views, metricView{
			Key:         d.Key,
			Name:        d.Name,
			Unit:        d.Unit,
			DeviceClass: string(d.DeviceClass),
			StateClass:  string(d.StateClass),
			Precision:   d.Precision,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGateway(w http.ResponseWriter, r *http.Request) {
	info, err := s.db.GetGatewayInfo()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "gateway not identified yet"})
			return
		}
		s.logger.Error("get gateway info", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPIUnknownKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.db.ListUnknownKeys()
	if err != nil {
		s.logger.Error("list unknown keys", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleAPIPollNow(w http.ResponseWriter, r *http.Request) {
	if !s.coord.TriggerPoll() {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "poll already in progress"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write json response", "err", err)
	}
}
