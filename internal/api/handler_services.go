package api

import (
	"net/http"

	"github.com/panelfleet/panelfleet/internal/service"
)

// HandleListServices returns a handler for GET /api/v1/services.
func HandleListServices(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, err := cp.ListServices(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		sorting, ok := parseSortingOrWriteInvalid(w, r, []string{"created_at", "name", "end_date", "status"}, "created_at", "desc")
		if !ok {
			return
		}
		SortSlice(services, sorting, func(s service.ServiceResponse) string {
			switch sorting.SortBy {
			case "name":
				return s.Name
			case "end_date":
				return s.EndDate
			case "status":
				return s.Status
			default:
				return s.CreatedAt
			}
		})

		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, services, pg)
	}
}

// HandleGetService returns a handler for GET /api/v1/services/{uuid}.
func HandleGetService(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r, "uuid", "service_uuid")
		if !ok {
			return
		}
		s, err := cp.GetService(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

// HandleCreateService returns a handler for POST /api/v1/services.
func HandleCreateService(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.CreateServiceRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		res, err := cp.CreateService(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, res)
	}
}

// HandleUpdateService returns a handler for PATCH /api/v1/services/{uuid}.
func HandleUpdateService(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r, "uuid", "service_uuid")
		if !ok {
			return
		}
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		res, err := cp.UpdateService(r.Context(), id, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, res)
	}
}

// HandleDeleteService returns a handler for DELETE /api/v1/services/{uuid}.
func HandleDeleteService(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r, "uuid", "service_uuid")
		if !ok {
			return
		}
		res, err := cp.DeleteService(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, res)
	}
}

// HandleServiceStats returns a handler for GET /api/v1/services/{uuid}/stats.
func HandleServiceStats(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r, "uuid", "service_uuid")
		if !ok {
			return
		}
		st, err := cp.GetServiceStats(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

// HandleDeleteInactiveServices returns a handler for
// POST /api/v1/services/actions/delete-inactive.
func HandleDeleteInactiveServices(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := cp.DeleteInactiveServices(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, res)
	}
}
