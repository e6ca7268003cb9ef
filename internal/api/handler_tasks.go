package api

import (
	"net/http"

	"github.com/panelfleet/panelfleet/internal/service"
)

// HandleQueueStats returns a handler for GET /api/v1/queue/stats.
func HandleQueueStats(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := cp.GetQueueStats(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

// HandleGetTask returns a handler for GET /api/v1/tasks/{id}.
func HandleGetTask(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r, "id", "task_id")
		if !ok {
			return
		}
		rec, err := cp.GetTask(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

// HandleTriggerTask returns a handler for POST /api/v1/tasks.
func HandleTriggerTask(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.TriggerTaskRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		res, err := cp.TriggerTask(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, res)
	}
}

// HandleWorkersStatus returns a handler for GET /api/v1/workers/status.
func HandleWorkersStatus(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.GetWorkersStatus())
	}
}
