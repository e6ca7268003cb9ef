package api

import (
	"net/http"
	"strings"

	"github.com/panelfleet/panelfleet/internal/service"
)

// HandleSubscriptionFile returns a handler for GET /subs/{uuid}.txt.
// No authentication is required; the service uuid is the secret.
func HandleSubscriptionFile(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := strings.CutSuffix(PathParam(r, "file"), ".txt")
		if !ok || !ValidateUUID(name) {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "subscription not found")
			return
		}
		f, err := cp.GetSubscriptionFile(r.Context(), name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Subscription-Userinfo", f.UserInfo)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(f.Content)
	}
}
