package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
)

func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Category {
	case core.ErrCatUnavailable:
		return http.StatusNotImplemented, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatTimeout:
		return http.StatusGatewayTimeout, true
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity, true
	default:
		return http.StatusInternalServerError, true
	}
}

// respondDomainError writes err with the status its category maps to.
// Internal causes are logged, not returned to the client.
func (s *Server) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var domErr *core.DomainError
	errors.As(err, &domErr)
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented && status != http.StatusGatewayTimeout {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	respondJSON(w, status, map[string]string{
		"error":    domErr.Message,
		"code":     domErr.Code,
		"category": string(domErr.Category),
	})
}

// logOnly is used where a response is already partly written.
func logOnly(logger *slog.Logger, msg string, err error) {
	if err != nil {
		logger.Warn(msg, "error", err)
	}
}
