package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/JonMunkholm/certmailer/internal/core"
)

// CredentialsRequest carries sender credentials. The field names match the
// saved credentials file.
type CredentialsRequest struct {
	Email       string `json:"email"`
	AppPassword string `json:"app_password"`
}

func (c CredentialsRequest) credentials() core.Credentials {
	return core.Credentials{Address: strings.TrimSpace(c.Email), Secret: c.AppPassword}
}

// handleGetCredentials reports whether credentials are configured. The
// password is never returned.
func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"configured": false}
	if s.creds != nil {
		creds, err := s.creds.Credentials(r.Context())
		switch {
		case err == nil:
			resp["configured"] = true
			resp["email"] = creds.Address
		case !errors.Is(err, core.ErrNoCredentials):
			s.respondError(w, r, err)
			return
		}
	}
	writeJSON(w, resp)
}

// handleSaveCredentials stores sender credentials.
func (s *Server) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	if s.saver == nil {
		writeErrorCode(w, http.StatusNotImplemented, "SMTP005", "Saving credentials is disabled", "Set SMTP_USERNAME and SMTP_PASSWORD instead")
		return
	}

	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	creds := req.credentials()
	if creds.Address == "" || creds.Secret == "" {
		s.respondError(w, r, &core.ValidationError{Reason: "both email and app password are required"})
		return
	}

	if err := s.saver.Save(creds); err != nil {
		s.respondError(w, r, err)
		return
	}
	auditLogger(r).Info("sender credentials saved", "email", creds.Address)
	w.WriteHeader(http.StatusNoContent)
}

// handleTestCredentials logs in to the mail server with the posted
// credentials, or the configured ones when the body is empty.
func (s *Server) handleTestCredentials(w http.ResponseWriter, r *http.Request) {
	if s.tester == nil {
		writeErrorCode(w, http.StatusNotImplemented, "SMTP006", "No mail server configured", "Configure SMTP_HOST")
		return
	}

	var creds core.Credentials
	if r.ContentLength != 0 {
		var req CredentialsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		creds = req.credentials()
	}
	if creds.Address == "" && s.creds != nil {
		stored, err := s.creds.Credentials(r.Context())
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		creds = stored
	}

	if err := s.tester.Test(r.Context(), creds); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "email": creds.Address})
}

// handleHealth reports liveness and whether a batch is running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"running": s.orch.Running(),
		"storage": s.cfg.Storage.Backend,
	})
}
