package utils

import (
	"net/http"

	"github.com/Koohoko/codex-switcher/internal/logger"
	"go.uber.org/zap"
)

// WriteHTML writes an HTML page with the given status
func WriteHTML(w http.ResponseWriter, status int, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	write(w, status, page)
}

// WriteText writes a plain text response with the given status
func WriteText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	write(w, status, message)
}

func write(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Connection", "close")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		logger.Warn("Failed to write response", zap.Error(err))
	}
}
