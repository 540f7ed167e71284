package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/geoyee/tripcache/internal/app"
	"github.com/geoyee/tripcache/internal/calculator"
	"github.com/geoyee/tripcache/internal/checkpoint"
	"github.com/geoyee/tripcache/internal/model"
	"github.com/geoyee/tripcache/internal/quota"
)

// APIResponse is the envelope of every control API response.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// DownloadRequest is the body of POST /api/trips/{id}/download.
type DownloadRequest struct {
	ServerID string  `json:"server_id"`
	Name     string  `json:"name"`
	North    float64 `json:"north"`
	South    float64 `json:"south"`
	East     float64 `json:"east"`
	West     float64 `json:"west"`
}

// BoundingBox returns the requested extent.
func (r *DownloadRequest) BoundingBox() model.BoundingBox {
	return model.BoundingBox{North: r.North, South: r.South, East: r.East, West: r.West}
}

// StartedResponse describes a batch accepted for background download.
type StartedResponse struct {
	TripID           int64 `json:"trip_id"`
	Tiles            int   `json:"tiles"`
	TotalTiles       int   `json:"total_tiles"`
	InitialCompleted int   `json:"initial_completed"`
	EstimatedBytes   int64 `json:"estimated_bytes"`
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, APIResponse{Success: false, Message: message})
}

func tripID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid trip id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

func isBoundingBoxError(err error) bool {
	return errors.Is(err, calculator.ErrInvalidLonRange) ||
		errors.Is(err, calculator.ErrInvalidLatRange) ||
		errors.Is(err, calculator.ErrNoTilesFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]any{
			"status":    "healthy",
			"time":      time.Now().Format(time.RFC3339),
			"connected": s.app.Network.IsConnected(),
		},
	})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	usage, err := s.app.CacheUsage(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("measuring cache usage")
		respondError(w, http.StatusInternalServerError, "Failed to measure cache usage")
		return
	}
	respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: usage})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	states, err := s.app.ListPaused(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("listing checkpoints")
		respondError(w, http.StatusInternalServerError, "Failed to list checkpoints")
		return
	}
	respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: states})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.app.Status(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Int64("trip_id", id).Msg("reading trip status")
		respondError(w, http.StatusInternalServerError, "Failed to read trip status")
		return
	}
	respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: status})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	trip := app.Trip{ID: id, ServerID: body.ServerID, Name: body.Name}
	req, err := s.app.PlanBoundingBox(r.Context(), trip, body.BoundingBox())
	if err != nil {
		if isBoundingBoxError(err) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Int64("trip_id", id).Msg("planning download")
		respondError(w, http.StatusInternalServerError, "Failed to plan download")
		return
	}
	s.start(w, req, "Download started")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.app.ResumeRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			respondError(w, http.StatusNotFound, "No checkpoint for trip")
			return
		}
		s.logger.Error().Err(err).Int64("trip_id", id).Msg("loading checkpoint")
		respondError(w, http.StatusInternalServerError, "Failed to load checkpoint")
		return
	}
	s.start(w, req, "Download resumed")
}

func (s *Server) start(w http.ResponseWriter, req model.BatchRequest, message string) {
	if err := s.app.StartBatch(req); err != nil {
		if errors.Is(err, app.ErrAlreadyRunning) {
			respondError(w, http.StatusConflict, "Trip download already running")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Message: message,
		Data: StartedResponse{
			TripID:           req.TripID,
			Tiles:            len(req.Tiles),
			TotalTiles:       max(req.TotalTiles, req.InitialCompleted+len(req.Tiles)),
			InitialCompleted: req.InitialCompleted,
			EstimatedBytes:   quota.EstimateBytes(len(req.Tiles)),
		},
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.app.Pause(id); err != nil {
		if errors.Is(err, app.ErrNotRunning) {
			respondError(w, http.StatusConflict, "Trip download is not running")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Pause requested"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.app.Cancel(r.Context(), id); err != nil {
		s.logger.Error().Err(err).Int64("trip_id", id).Msg("cancelling trip")
		respondError(w, http.StatusInternalServerError, "Failed to cancel trip")
		return
	}
	respondJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Trip cancelled"})
}
