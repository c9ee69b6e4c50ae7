package api

import (
	"encoding/hex"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// @Title: ABCI Query
// @Route: GET /api/query?path=&data=
// @Description: Relay a read-only query to the application; data is hex-encoded JSON and the response body is the raw query value
// @Response: {"name": "...", "description": "...", "image-uri": "..."} or null
func (s *Service) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, "/") {
		s.writeError(w, http.StatusBadRequest, "path must start with /")
		return
	}
	data, err := hex.DecodeString(r.URL.Query().Get("data"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "data must be hex")
		return
	}

	value, err := s.chain.ABCIQuery(r.Context(), path, data)
	if err != nil {
		s.log.Debug("Query failed", zap.String("path", path), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(value)
}
