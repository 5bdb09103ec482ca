package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/orders"
	"github.com/aristath/vigil/internal/scheduler"
	"github.com/aristath/vigil/internal/supervisor"
)

// handleHealth reports database and broker reachability
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"service": "vigil",
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	if err := s.db.HealthCheck(ctx); err != nil {
		response["status"] = "degraded"
		response["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		response["database"] = "ok"
	}

	if s.probe != nil {
		if err := s.probe(ctx); err != nil {
			response["status"] = "degraded"
			response["broker"] = err.Error()
		} else {
			response["broker"] = "ok"
		}
	}

	s.writeJSON(w, status, response)
}

// handleListOrders lists a user's orders with optional status, reason and
// date-range filters. format=json streams the audit export instead.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if r.URL.Query().Get("format") == "json" {
		data, err := s.orders.Repo().ExportJSON(userID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=orders.json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	filter := orders.Filter{
		Status: domain.OrderStatus(r.URL.Query().Get("status")),
		Reason: r.URL.Query().Get("reason"),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid from date, expected YYYY-MM-DD")
			return
		}
		filter.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid to date, expected YYYY-MM-DD")
			return
		}
		// Inclusive end date
		filter.To = t.AddDate(0, 0, 1)
	}

	list, err := s.orders.Repo().List(userID, filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": list,
		"count":  len(list),
	})
}

// handleOrderStatistics returns order counts by status
func (s *Server) handleOrderStatistics(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	stats, err := s.orders.Repo().GetStatistics(userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleRetryOrder re-dispatches a failed order immediately
func (s *Server) handleRetryOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	localID := chi.URLParam(r, "id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	order, err := s.orders.Repo().Get(userID, localID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if order == nil {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if order.Status != domain.StatusFailed {
		s.writeError(w, http.StatusConflict, "only failed orders can be retried")
		return
	}

	if err := s.orders.RetryDispatch(r.Context(), order); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	updated, err := s.orders.Repo().Get(userID, localID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// handleDropOrder cancels an order on the user's request
func (s *Server) handleDropOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	localID := chi.URLParam(r, "id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := s.orders.Drop(r.Context(), userID, localID, "user drop"); err != nil {
		switch {
		case errors.Is(err, orders.ErrOrderNotFound):
			s.writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, orders.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
}

type startRequest struct {
	Mode  string   `json:"mode"`
	Tasks []string `json:"tasks"`
}

// handleServiceStart begins scheduling for a user
func (s *Server) handleServiceStart(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode == "" {
		req.Mode = string(supervisor.ModeUnified)
	}

	err := s.manager.Start(userID, supervisor.Mode(req.Mode), req.Tasks...)
	if err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started", "mode": req.Mode})
}

// handleServiceStop requests cooperative shutdown for a user
func (s *Server) handleServiceStop(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	if err := s.manager.Stop(userID); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type runOnceRequest struct {
	Task string `json:"task"`
}

// handleRunOnce dispatches one task ad hoc
func (s *Server) handleRunOnce(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	var req runOnceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == "" {
		s.writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.Task == scheduler.TaskAnalysis && !s.isAdmin(r) {
		s.writeError(w, http.StatusForbidden, "analysis runs are admin-only")
		return
	}

	err := s.manager.RunOnce(r.Context(), userID, req.Task)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "task": req.Task})
	case errors.Is(err, supervisor.ErrUnknownTask):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrTaskRunning), errors.Is(err, scheduler.ErrTaskConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleServiceStatus returns persisted task status plus live runner states
func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	rows, err := s.status.List(userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	mode, tasks, running := s.manager.Running(userID)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":     running,
		"mode":        mode,
		"tasks":       tasks,
		"task_states": s.manager.TaskStates(userID),
		"persisted":   rows,
	})
}

// handleListSchedules returns the global schedule table
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.schedules.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

type scheduleUpdateRequest struct {
	TaskName     string `json:"task_name"`
	ScheduleTime string `json:"schedule_time"`
	Enabled      bool   `json:"enabled"`
	IsHourly     bool   `json:"is_hourly"`
	IsContinuous bool   `json:"is_continuous"`
	EndTime      string `json:"end_time"`
	UpdatedBy    string `json:"updated_by"`
}

// handleUpdateSchedule edits a task trigger. Admin-only; edits apply to all
// users and take effect at the next service restart.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		s.writeError(w, http.StatusForbidden, "schedule edits are admin-only")
		return
	}

	var req scheduleUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskName == "" {
		s.writeError(w, http.StatusBadRequest, "task_name is required")
		return
	}
	updatedBy := req.UpdatedBy
	if updatedBy == "" {
		updatedBy = "admin"
	}

	err := s.schedules.Update(domain.Schedule{
		TaskName:     req.TaskName,
		ScheduleTime: req.ScheduleTime,
		Enabled:      req.Enabled,
		IsHourly:     req.IsHourly,
		IsContinuous: req.IsContinuous,
		EndTime:      req.EndTime,
	}, updatedBy)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "updated",
		"notice": "schedule changes take effect at the next service restart",
	})
}

// isAdmin checks the admin token header. An empty configured token disables
// admin operations entirely.
func (s *Server) isAdmin(r *http.Request) bool {
	return s.cfg.AdminToken != "" && r.Header.Get("X-Admin-Token") == s.cfg.AdminToken
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
