package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/beborico1/whatsapp-scheduler/internal/models"
	"github.com/beborico1/whatsapp-scheduler/internal/store"
)

// createScheduleRequest is the POST /schedules payload.
type createScheduleRequest struct {
	MessageID     string    `json:"message_id"`
	GroupID       string    `json:"group_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// scheduleDetail is the GET /schedules/{id} payload: the schedule plus its
// per-recipient progress.
type scheduleDetail struct {
	models.Schedule
	Counts   models.ScheduleCounts    `json:"counts"`
	Attempts []models.DeliveryAttempt `json:"attempts"`
}

func (s *Server) createScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createScheduleHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.MessageID == "" || req.GroupID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("message_id and group_id are required"))
		return
	}
	if req.ScheduledTime.IsZero() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("scheduled_time is required"))
		return
	}

	sched, err := s.ctrl.Create(r.Context(), req.MessageID, req.GroupID, req.ScheduledTime)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrPastScheduleTime),
			errors.Is(err, models.ErrUnknownMessage),
			errors.Is(err, models.ErrUnknownGroup):
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		default:
			slog.Error("Server.createScheduleHandler: create failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create schedule"))
		}
		return
	}

	slog.Info("Server.createScheduleHandler: schedule created", "schedule_id", sched.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(sched))
}

func (s *Server) listSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status models.ScheduleStatus
	if raw := q.Get("status"); raw != "" {
		status = models.ScheduleStatus(raw)
		if !models.IsValidScheduleStatus(status) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid status filter"))
			return
		}
	}

	limit := DefaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid limit"))
			return
		}
		limit = min(n, MaxListLimit)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid offset"))
			return
		}
		offset = n
	}

	schedules, err := s.st.ListSchedules(r.Context(), status, limit, offset)
	if err != nil {
		slog.Error("Server.listSchedulesHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list schedules"))
		return
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(schedules))
}

func (s *Server) getScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sched, err := s.st.GetSchedule(r.Context(), id)
	if err != nil {
		s.writeScheduleError(w, "Server.getScheduleHandler", id, err)
		return
	}
	counts, err := s.st.CountAttempts(r.Context(), id)
	if err != nil {
		slog.Error("Server.getScheduleHandler: count attempts failed", "schedule_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load schedule"))
		return
	}
	attempts, err := s.st.ListAttempts(r.Context(), id)
	if err != nil {
		slog.Error("Server.getScheduleHandler: list attempts failed", "schedule_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load schedule"))
		return
	}
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(scheduleDetail{
		Schedule: *sched,
		Counts:   counts,
		Attempts: attempts,
	}))
}

func (s *Server) cancelScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.Cancel(r.Context(), id); err != nil {
		s.writeScheduleError(w, "Server.cancelScheduleHandler", id, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Schedule cancelled", nil))
}

func (s *Server) sendNowHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.SendNow(r.Context(), id); err != nil {
		s.writeScheduleError(w, "Server.sendNowHandler", id, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Dispatch requested", nil))
}

func (s *Server) archiveScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.Archive(r.Context(), id); err != nil {
		s.writeScheduleError(w, "Server.archiveScheduleHandler", id, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Schedule archived", nil))
}

func (s *Server) deleteScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.Delete(r.Context(), id); err != nil {
		s.writeScheduleError(w, "Server.deleteScheduleHandler", id, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Schedule deleted", nil))
}

// writeScheduleError maps store sentinel errors onto HTTP status codes.
func (s *Server) writeScheduleError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Schedule not found"))
	case errors.Is(err, store.ErrConflict):
		slog.Warn(op+": operation conflicts with schedule status", "schedule_id", id, "error", err)
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	default:
		slog.Error(op+": operation failed", "schedule_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
