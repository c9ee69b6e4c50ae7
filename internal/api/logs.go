package api

import (
	"net/http"
	"strconv"
)

const defaultLogCount = 100

// @Title: Get Logs
// @Route: GET /api/logs?n=
// @Description: Most recent node log messages, oldest first
// @Response: [{"timestamp": "...", "text": "...", "level": "info", "fields": {...}}]
func (s *Service) HandleLogs(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	n := defaultLogCount
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	s.writeJSON(w, http.StatusOK, s.logs.GetRecent(n))
}
