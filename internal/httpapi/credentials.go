package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"polychat/internal/credentials"
	"polychat/internal/providers"
)

type putCredentialRequest struct {
	APIKey string `json:"apiKey"`
}

func (s *Server) putCredential(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))

	var body putCredentialRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := s.cfg.Credentials.Put(r.Context(), UserID(r.Context()), provider, body.APIKey)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, providers.ErrUnsupportedProvider):
		writeError(w, http.StatusBadRequest, "Unsupported provider")
	case errors.Is(err, credentials.ErrEmptyAPIKey):
		writeError(w, http.StatusBadRequest, "API key is required")
	default:
		hlog.FromRequest(r).Error().Err(err).Str("provider", provider).Msg("store credential failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	if !providers.Supported(provider) {
		writeError(w, http.StatusBadRequest, "Unsupported provider")
		return
	}

	err := s.cfg.Credentials.Delete(r.Context(), UserID(r.Context()), provider)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, credentials.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "Credential not found")
	default:
		hlog.FromRequest(r).Error().Err(err).Str("provider", provider).Msg("delete credential failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
