package httpapi

import (
	"net/http"
)

type putSecretRequest struct {
	Value string `json:"value" validate:"required"`
}

func (s *Server) vault(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Secrets != nil {
		return true
	}
	writeProblem(w, http.StatusServiceUnavailable, &problem{
		Problem: newProblem(r, http.StatusServiceUnavailable, "vault_disabled",
			"no vault key configured; set TASKFLOW_VAULT_KEY"),
	})
	return false
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	if !s.vault(w, r) {
		return
	}
	keys, err := s.deps.Secrets.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": nonNil(keys)})
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	if !s.vault(w, r) {
		return
	}
	var req putSecretRequest
	if err := decodeJSON(w, r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.deps.Secrets.Store(r.Context(), r.PathValue("key"), []byte(req.Value)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if !s.vault(w, r) {
		return
	}
	if err := s.deps.Secrets.Delete(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
