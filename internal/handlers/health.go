package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type HealthHandler struct {
	registry interface{ List() []string }
	logger   *slog.Logger
}

func NewHealthHandler(registry interface{ List() []string }, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{registry: registry, logger: logger}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	body, err := json.Marshal(map[string]any{
		"status":    "ok",
		"providers": h.registry.List(),
	})
	if err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
		return
	}

	if _, err := w.Write(body); err != nil {
		h.logger.Error("Failed to write health check response", "error", err)
	}
}
