package server

import (
	"errors"
	"net/http"

	"github.com/allyourbase/alterd/internal/alter"
	"github.com/allyourbase/alterd/internal/httputil"
)

// writeAlterError maps alter sentinel errors to HTTP status codes.
func (s *Server) writeAlterError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, alter.ErrNotFound), errors.Is(err, alter.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, alter.ErrDuplicateName), errors.Is(err, alter.ErrConflict), errors.Is(err, alter.ErrTableNotNormal):
		status = http.StatusConflict
	case errors.Is(err, alter.ErrInvalidSchema), errors.Is(err, alter.ErrUnsupported), errors.Is(err, alter.ErrInvalidProperty):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("alter request failed", "path", r.URL.Path, "error", err)
	}
	httputil.WriteError(w, status, err.Error())
}
