package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/diagnostic"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/store"
)

func (s *Server) handleListDiagnostics(w http.ResponseWriter, r *http.Request) {
	env, err := s.registry.Get(r.Context(), diagnostic.TypeList)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.writeEnvelope(w, env)
}

func (s *Server) handleGetDiagnostic(w http.ResponseWriter, r *http.Request) {
	t := diagnostic.TypeID(chi.URLParam(r, "type"))
	env, err := s.registry.Get(r.Context(), t)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.writeEnvelope(w, env)
}

// writeEnvelope sends the body as is. The type and version travel in
// headers so the body stays exactly what the provider produced.
func (s *Server) writeEnvelope(w http.ResponseWriter, env *diagnostic.Envelope) {
	w.Header().Set("Content-Type", env.ContentType)
	w.Header().Set("X-Diagnostic-Type", string(env.Type))
	w.Header().Set("X-Diagnostic-Version", env.Version)
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(env.Body)
	logOnly(s.logger, "writing diagnostic", err)
}

func (s *Server) handleListCrashes(w http.ResponseWriter, r *http.Request) {
	arts, err := s.crashes.List(r.Context())
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	if arts == nil {
		arts = []store.Artifact{}
	}
	respondJSON(w, http.StatusOK, arts)
}

// handleGetCrash renders the symbolicated report. ?format= selects json
// (default), yaml or markdown.
func (s *Server) handleGetCrash(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artifactID")
	format := strings.ToLower(r.URL.Query().Get("format"))

	switch format {
	case "", "json":
		env, err := s.crashes.Envelope(r.Context(), id)
		if err != nil {
			s.respondDomainError(w, r, err)
			return
		}
		s.writeEnvelope(w, env)
	case "yaml", "markdown", "md":
		rep, err := s.crashes.Report(r.Context(), id)
		if err != nil {
			s.respondDomainError(w, r, err)
			return
		}
		var body []byte
		if format == "yaml" {
			body, err = yaml.Marshal(rep)
			if err != nil {
				s.respondDomainError(w, r, err)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
		} else {
			body = []byte(rep.Markdown())
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		}
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(body)
		logOnly(s.logger, "writing crash report", err)
	default:
		respondError(w, http.StatusUnprocessableEntity, "unknown format "+format+", use json, yaml or markdown")
	}
}

func (s *Server) handleGetCrashRaw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artifactID")
	data, err := s.crashes.Raw(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.dmp"`)
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(data)
	logOnly(s.logger, "writing crash artifact", err)
}
