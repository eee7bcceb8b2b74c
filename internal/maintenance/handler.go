package maintenance

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"auth-service/internal/account"
	"auth-service/internal/observability"
)

// CleanupHandler lets a scheduler prune expired refresh-token entries and
// expired account locks.
type CleanupHandler struct {
	sweeper    account.Sweeper
	logger     *observability.Logger
	cronSecret string
	batchSize  int
	now        func() time.Time
}

func NewCleanupHandler(sweeper account.Sweeper, logger *observability.Logger, cronSecret string, batchSize int) *CleanupHandler {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &CleanupHandler{
		sweeper:    sweeper,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		batchSize:  batchSize,
		now:        time.Now,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not found"})
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
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}

	result, err := h.sweeper.SweepExpired(r.Context(), h.now().UTC(), h.batchSize)
	if err != nil {
		observability.CaptureRequestError(r, err)
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"pruned_refresh_tokens": result.PrunedRefreshTokens,
		"cleared_locks":         result.ClearedLocks,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
