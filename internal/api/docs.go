package api

import (
	"errors"
	"net/http"
	"os"

	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/docs"
)

// @Title: List Docs
// @Route: GET /api/docs
// @Description: Names of the bundled AsciiDoc documents
// @Response: ["api.adoc", "marketplace.adoc"]
func (s *Service) HandleDocs(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		s.writeError(w, http.StatusNotFound, "Documentation not available")
		return
	}
	names, err := s.docs.ListDocs()
	if err != nil {
		s.log.Error("Failed to list docs", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list docs")
		return
	}
	s.writeJSON(w, http.StatusOK, names)
}

// @Title: View Doc
// @Route: GET /api/docs/view?name=
// @Description: A document rendered to HTML
// @Response: text/html
func (s *Service) HandleDocView(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		s.writeError(w, http.StatusNotFound, "Documentation not available")
		return
	}
	html, err := s.docs.GetDoc(r.Context(), r.URL.Query().Get("name"))
	switch {
	case errors.Is(err, docs.ErrInvalidName):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, os.ErrNotExist):
		s.writeError(w, http.StatusNotFound, "Document not found")
		return
	case err != nil:
		s.log.Error("Failed to render doc", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to render doc")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}
