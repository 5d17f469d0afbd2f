package web

import (
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/certmailer/internal/logging"
)

// auditLogger returns the request logger with client IP and User-Agent
// attached, for changes to credentials and checkpoints.
func auditLogger(r *http.Request) *slog.Logger {
	return logging.WithFields(r.Context(),
		"ip", clientIP(r), // already rewritten by TrustedRealIP
		"user_agent", r.Header.Get("User-Agent"),
	)
}
