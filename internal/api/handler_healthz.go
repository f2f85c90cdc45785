package api

import "net/http"

// HandleHealthz serves GET /healthz, an ambient liveness probe separate
// from the six core endpoints.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, "ok", map[string]string{"status": "ok"})
	}
}
