package api

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultMaxBackups = 20

// @Title: Create Backup
// @Route: POST /api/backups/create
// @Description: Snapshot the marketplace store into the backup directory, pruning the oldest
// @Response: {"status": "ok", "path": "..."}
func (s *Service) HandleBackupCreate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.backups == nil {
		s.writeError(w, http.StatusNotImplemented, "Backups not supported by this store")
		return
	}
	keep := s.maxBackups
	if keep <= 0 {
		keep = defaultMaxBackups
	}
	path, err := s.backups.BackupCurrent(keep)
	if err != nil {
		s.log.Error("Failed to create backup", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to create backup")
		return
	}

	s.log.Info("API: Created backup", zap.String("path", path))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"path":   path,
	})
}

// @Title: List Backups
// @Route: GET /api/backups/list
// @Description: List all available backup files, newest first
// @Response: [{"filename": "...", "timestamp": "...", "size": ...}]
func (s *Service) HandleBackupsList(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.backups == nil {
		s.writeError(w, http.StatusNotImplemented, "Backups not supported by this store")
		return
	}
	files, err := s.backups.Backups()
	if err != nil {
		s.log.Error("Failed to list backups", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to read backups")
		return
	}
	s.writeJSON(w, http.StatusOK, files)
}

type snapshotExporter interface {
	ExportSnapshot() ([]byte, error)
}

// @Title: Download Snapshot
// @Route: GET /api/backups/download
// @Description: Download a consistent copy of the SQLite marketplace database
// @Response: application/octet-stream file download
func (s *Service) HandleBackupDownload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	exporter, ok := s.backups.(snapshotExporter)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "Snapshot export not supported by this store")
		return
	}
	data, err := exporter.ExportSnapshot()
	if err != nil {
		s.log.Error("Failed to export snapshot", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to export snapshot")
		return
	}

	filename := fmt.Sprintf("marketplace-%s.db", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	w.Write(data)
	s.log.Info("API: Served snapshot download", zap.String("file", filename))
}
