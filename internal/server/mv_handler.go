package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/httputil"
)

func (s *Server) handleRenameMV(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewName string `json:"newName"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if err := s.mv.RenameMaterializedView(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "name"), body.NewName); err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"name": body.NewName})
}

func (s *Server) handleModifyMVProperties(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Properties map[string]string `json:"properties"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if len(body.Properties) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "properties are required")
		return
	}
	if err := s.mv.ModifyProperties(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "name"), body.Properties); err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangeRefreshScheme(w http.ResponseWriter, r *http.Request) {
	var scheme catalog.RefreshScheme
	if !httputil.DecodeJSON(w, r, &scheme) {
		return
	}
	if err := s.mv.ChangeRefreshScheme(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "name"), scheme); err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetMVStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if err := s.mv.SetStatus(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "name"), body.Status); err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
