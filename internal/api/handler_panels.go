package api

import (
	"fmt"
	"net/http"

	"github.com/panelfleet/panelfleet/internal/service"
)

// HandleListPanels returns a handler for GET /api/v1/panels.
func HandleListPanels(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		panels, err := cp.ListPanels(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}

		sorting, ok := parseSortingOrWriteInvalid(w, r, []string{"name", "id", "updated_at"}, "name", "asc")
		if !ok {
			return
		}
		SortSlice(panels, sorting, func(p service.PanelResponse) string {
			switch sorting.SortBy {
			case "id":
				// Zero-padded so string order matches numeric order.
				return fmt.Sprintf("%020d", p.ID)
			case "updated_at":
				return p.UpdatedAt
			default:
				return p.Name
			}
		})

		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, panels, pg)
	}
}

// HandleGetPanel returns a handler for GET /api/v1/panels/{id}.
func HandleGetPanel(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireIDPathParam(w, r, "id", "panel_id")
		if !ok {
			return
		}
		p, err := cp.GetPanel(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleCreatePanel returns a handler for POST /api/v1/panels.
func HandleCreatePanel(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.CreatePanelRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		p, err := cp.CreatePanel(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, p)
	}
}

// HandleUpdatePanel returns a handler for PATCH /api/v1/panels/{id}.
func HandleUpdatePanel(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireIDPathParam(w, r, "id", "panel_id")
		if !ok {
			return
		}
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		p, err := cp.UpdatePanel(r.Context(), id, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleDeletePanel returns a handler for DELETE /api/v1/panels/{id}.
func HandleDeletePanel(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireIDPathParam(w, r, "id", "panel_id")
		if !ok {
			return
		}
		res, err := cp.DeletePanel(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// HandlePanelStats returns a handler for GET /api/v1/panels/{id}/stats.
func HandlePanelStats(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireIDPathParam(w, r, "id", "panel_id")
		if !ok {
			return
		}
		st, err := cp.GetPanelStats(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}
