package api

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"sbtc.bazaar/bazaar/internal/types"
)

// @Title: Get Health
// @Route: GET /api/health
// @Description: Returns server health status
// @Response: {"status": "ok"}
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// @Title: Get Version
// @Route: GET /api/version
// @Description: Returns node version, build and current block height
// @Response: {"version": "...", "status": "ok", "height": 12, ...}
func (s *Service) HandleVersion(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    types.Version,
		"build_time": types.BuildTime,
		"status":     "ok",
		"hostname":   hostname,
		"go_ver":     runtime.Version(),
		"os_arch":    fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"height":     s.height(),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
	})
}
