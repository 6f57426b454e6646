// Package api serves the race-engine control commands and the discarded-
// passing audit trail: POST /api/race/stage|reset|force-finish and
// GET /api/race/audit?track_id=, per SPEC_FULL.md §6.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/bmxtiming/timingcore/internal/authtoken"
	"github.com/bmxtiming/timingcore/internal/config"
	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/internal/projection"
	"github.com/bmxtiming/timingcore/pkg/log"
)

// Controller drives the race engine's control-plane operations.
type Controller interface {
	Stage(ctx context.Context, trackID string, moto model.Moto, riderIDs []string) error
	Reset(ctx context.Context, trackID string) error
	ForceFinish(ctx context.Context, trackID string) error
}

// Authorizer verifies the bearer token on control requests.
type Authorizer interface {
	Verify(tokenString string) (*authtoken.Claims, error)
}

// Handler wires the control API's routes onto a gorilla/mux router, the
// same style cc-backend's internal/api.RestApi uses for MountRoutes.
type Handler struct {
	Controller Controller
	Audit      *projection.AuditRepository
	Authorizer Authorizer
}

// MountRoutes registers this handler's routes under r.
func (h *Handler) MountRoutes(r *mux.Router) {
	r = r.PathPrefix("/api/race").Subrouter()
	r.HandleFunc("/stage", h.stage).Methods(http.MethodPost)
	r.HandleFunc("/reset", h.reset).Methods(http.MethodPost)
	r.HandleFunc("/force-finish", h.forceFinish).Methods(http.MethodPost)
	r.HandleFunc("/audit", h.audit).Methods(http.MethodGet)
}

type stageRequest struct {
	TrackID string   `json:"track_id"`
	MotoID  string   `json:"moto_id"`
	Riders  []string `json:"rider_ids"`
	Lanes   []int    `json:"lanes"`
}

type trackRequest struct {
	TrackID string `json:"track_id"`
}

func (h *Handler) stage(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authorize(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.TrackID == "" || req.MotoID == "" || len(req.Riders) == 0 {
		http.Error(w, "track_id, moto_id and rider_ids are required", http.StatusBadRequest)
		return
	}
	if !claims.AuthorizedForTrack(req.TrackID) {
		http.Error(w, "unauthorized for track", http.StatusUnauthorized)
		return
	}
	if _, ok := config.TrackByID(req.TrackID); !ok {
		http.Error(w, "unknown track_id", http.StatusBadRequest)
		return
	}

	entries := make([]model.MotoEntry, len(req.Riders))
	for i, riderID := range req.Riders {
		lane := i + 1
		if i < len(req.Lanes) {
			lane = req.Lanes[i]
		}
		entries[i] = model.MotoEntry{RiderID: riderID, Lane: lane}
	}
	moto := model.Moto{ID: req.MotoID, TrackID: req.TrackID, Entries: entries, Status: model.MotoStaged}

	if err := h.Controller.Stage(r.Context(), req.TrackID, moto, req.Riders); err != nil {
		log.Warnf("api: stage failed for %s/%s: %v", req.TrackID, req.MotoID, err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	h.simpleTrackCommand(w, r, func(ctx context.Context, trackID string) error {
		return h.Controller.Reset(ctx, trackID)
	})
}

func (h *Handler) forceFinish(w http.ResponseWriter, r *http.Request) {
	h.simpleTrackCommand(w, r, func(ctx context.Context, trackID string) error {
		return h.Controller.ForceFinish(ctx, trackID)
	})
}

func (h *Handler) simpleTrackCommand(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	claims, err := h.authorize(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if !claims.AuthorizedForTrack(req.TrackID) {
		http.Error(w, "unauthorized for track", http.StatusUnauthorized)
		return
	}

	if err := op(r.Context(), req.TrackID); err != nil {
		log.Warnf("api: control command failed for %s: %v", req.TrackID, err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authorize(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	trackID := r.URL.Query().Get("track_id")
	if trackID == "" {
		http.Error(w, "track_id is required", http.StatusBadRequest)
		return
	}
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	rows, err := h.Audit.ByTrack(trackID, limit)
	if err != nil {
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (h *Handler) authorize(r *http.Request) (*authtoken.Claims, error) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, errMissingBearer
	}
	return h.Authorizer.Verify(header[len(prefix):])
}

var errMissingBearer = httpError("api: missing or malformed bearer token")

type httpError string

func (e httpError) Error() string { return string(e) }
