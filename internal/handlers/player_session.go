package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"playcode-backend/internal/models"
	"playcode-backend/internal/repository"
	"playcode-backend/internal/services"
)

type playerSessionService interface {
	CreateSession(ctx context.Context, activityID uuid.UUID, settings models.Settings) (models.Code, error)
	LookupCodeForActivity(ctx context.Context, activityID uuid.UUID) (models.Code, error)
	LookupByCode(ctx context.Context, code models.Code) (*models.Session, error)
	OpenInstance(ctx context.Context, code models.Code, ip, userAgent string) (uuid.UUID, error)
	CompleteInstance(ctx context.Context, activityID, instanceID uuid.UUID, ip, userAgent string) error
}

type playCountReader interface {
	GetPlayCount(ctx context.Context, activityID uuid.UUID) (int64, error)
}

type PlayerSessionHandler struct {
	service    playerSessionService
	playCounts playCountReader
	log        *zap.Logger
}

func NewPlayerSessionHandler(service playerSessionService, playCounts playCountReader, log *zap.Logger) *PlayerSessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PlayerSessionHandler{service: service, playCounts: playCounts, log: log.Named("http")}
}

// CreateSession handles POST /api/v1/activities/{id}/session.
func (h *PlayerSessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	activityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid activity ID", r))
		return
	}

	settings, err := decodeSettings(r)
	if err != nil {
		handleServiceError(w, r, h.log, &services.ValidationError{Fields: map[string]string{"settings": err.Error()}})
		return
	}

	code, err := h.service.CreateSession(r.Context(), activityID, settings)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"code":        code,
		"activity_id": activityID,
		"settings":    settings,
	})
}

// GetSession handles GET /api/v1/activities/{id}/session.
func (h *PlayerSessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	activityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid activity ID", r))
		return
	}

	code, err := h.service.LookupCodeForActivity(r.Context(), activityID)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"code": code})
}

// GetPlayCount handles GET /api/v1/activities/{id}/plays.
func (h *PlayerSessionHandler) GetPlayCount(w http.ResponseWriter, r *http.Request) {
	activityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid activity ID", r))
		return
	}

	playCount, err := h.playCounts.GetPlayCount(r.Context(), activityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Activity not found", r))
			return
		}
		handleServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activity_id": activityID,
		"play_count":  playCount,
	})
}

// GetByCode handles GET /api/v1/play/{code}.
func (h *PlayerSessionHandler) GetByCode(w http.ResponseWriter, r *http.Request) {
	code, err := models.ParseCode(chi.URLParam(r, "code"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
		return
	}

	session, err := h.service.LookupByCode(r.Context(), code)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":        session.Code,
		"activity_id": session.ActivityID,
		"settings":    session.Settings,
	})
}

// OpenInstance handles POST /api/v1/play/{code}/instances.
func (h *PlayerSessionHandler) OpenInstance(w http.ResponseWriter, r *http.Request) {
	code, err := models.ParseCode(chi.URLParam(r, "code"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
		return
	}

	instanceID, err := h.service.OpenInstance(r.Context(), code, clientIP(r), r.UserAgent())
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"instance_id": instanceID})
}

// CompleteInstance handles POST /api/v1/play/instances/{id}/complete.
func (h *PlayerSessionHandler) CompleteInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Instance not found", r))
		return
	}

	var req models.CompleteInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	activityID, err := uuid.Parse(req.ActivityID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"activity_id": "must be a UUID"}, r))
		return
	}

	if err := h.service.CompleteInstance(r.Context(), activityID, instanceID, clientIP(r), r.UserAgent()); err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeSettings reads the session settings from either {"settings":{...}} or
// the bare settings object. Fields left out keep their defaults, and an empty
// body means all defaults.
func decodeSettings(r *http.Request) (models.Settings, error) {
	settings := models.DefaultSettings()

	var raw json.RawMessage
	if err := decodeOptionalJSON(r, &raw); err != nil || len(raw) == 0 {
		return settings, err
	}

	var wrapped struct {
		Settings json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return settings, err
	}
	if len(wrapped.Settings) > 0 {
		raw = wrapped.Settings
	}

	if err := json.Unmarshal(raw, &settings); err != nil {
		return settings, err
	}
	return settings, nil
}
