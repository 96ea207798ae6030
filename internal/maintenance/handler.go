package maintenance

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"tenant-auth/internal/apperr"
	"tenant-auth/internal/observability"
)

type CleanupHandler struct {
	janitor    *Janitor
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(janitor *Janitor, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		janitor:    janitor,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

// Handle is disabled (404) until CRON_SECRET is configured.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		apperr.WriteError(w, apperr.NotFound("not found"))
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		apperr.WriteError(w, apperr.Authentication("unauthorized"))
		return
	}

	result, err := h.janitor.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err})
		apperr.WriteError(w, apperr.Internal("cleanup", err))
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_tokens":     result.RefreshTokens,
		"deleted_blacklist_entries":  result.BlacklistEntries,
		"deleted_reset_tokens":       result.ResetTokens,
		"deleted_rate_limit_windows": result.RateLimitWindows,
	})

	apperr.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}
