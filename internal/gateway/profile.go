package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/nexus/internal/auth"
)

// maxWriteBody caps an override write body.
const maxWriteBody = 256 << 10

// defaultMessagesLimit and maxMessagesLimit bound GET /messages.
const (
	defaultMessagesLimit = 50
	maxMessagesLimit     = 200
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	p := s.identities.EffectiveProfile(r.Context(), ownerKey(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"effective_config": p.EffectiveConfig,
		"user_overrides":   p.UserOverrides.Config,
		"editable_fields":  p.EditableFields,
		"field_options":    p.FieldOptions,
	})
}

func (s *Server) handleGetPrompts(w http.ResponseWriter, r *http.Request) {
	p := s.identities.EffectiveProfile(r.Context(), ownerKey(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"effective_prompts": p.EffectivePrompts,
		"user_overrides":    p.UserOverrides.Prompts,
	})
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	overrides, ok := s.verifiedOverrides(w, r)
	if !ok {
		return
	}
	if err := s.identities.UpdateConfigOverrides(r.Context(), ownerKey(r), overrides); err != nil {
		s.log.Error("config override write failed", "owner", ownerKey(r), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save overrides"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handlePostPrompts(w http.ResponseWriter, r *http.Request) {
	overrides, ok := s.verifiedOverrides(w, r)
	if !ok {
		return
	}
	if err := s.identities.UpdatePromptOverrides(r.Context(), ownerKey(r), overrides); err != nil {
		s.log.Error("prompt override write failed", "owner", ownerKey(r), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save overrides"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type writeRequest struct {
	Overrides map[string]any `json:"overrides"`
	Auth      struct {
		PublicKey string `json:"publicKey"`
		Signature string `json:"signature"`
	} `json:"auth"`
}

// verifiedOverrides decodes and authenticates an override write. The
// bearer must equal the in-body key, and the signature must recover to
// it over the compact JSON of the overrides object.
func (s *Server) verifiedOverrides(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWriteBody)

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "malformed request body"})
		return nil, false
	}
	if req.Overrides == nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "overrides object is required"})
		return nil, false
	}
	if req.Auth.PublicKey == "" || req.Auth.Signature == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "auth.publicKey and auth.signature are required"})
		return nil, false
	}

	if !equalKeys(req.Auth.PublicKey, ownerKey(r)) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "bearer does not match signing key"})
		return nil, false
	}

	payload, err := json.Marshal(req.Overrides)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "overrides are not serializable"})
		return nil, false
	}
	if _, err := auth.VerifySignature(payload, req.Auth.PublicKey, req.Auth.Signature); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, auth.ErrInvalidKey) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]string{"error": "signature verification failed"})
		return nil, false
	}
	return req.Overrides, true
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessagesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxMessagesLimit)
	}

	msgs := s.history.History(r.Context(), ownerKey(r), limit)
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// equalKeys compares two keys case-insensitively.
func equalKeys(a, b string) bool {
	return auth.NormalizeKey(a) == auth.NormalizeKey(b)
}
