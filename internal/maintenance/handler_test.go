package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-service/internal/account"
	"auth-service/internal/observability"
)

type stubSweeper struct {
	calls     int
	batchSize int
	result    account.SweepResult
	err       error
}

func (s *stubSweeper) SweepExpired(_ context.Context, _ time.Time, batchSize int) (account.SweepResult, error) {
	s.calls++
	s.batchSize = batchSize
	return s.result, s.err
}

func serve(h *CleanupHandler, method, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestCleanupDisabledWithoutSecret(t *testing.T) {
	sweeper := &stubSweeper{}
	h := NewCleanupHandler(sweeper, observability.NewLoggerTo(nil), "  ", 100)

	rec := serve(h, http.MethodPost, "Bearer anything")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, sweeper.calls)
}

func TestCleanupRejectsWrongSecret(t *testing.T) {
	sweeper := &stubSweeper{}
	h := NewCleanupHandler(sweeper, observability.NewLoggerTo(nil), "cron-secret", 100)

	for _, header := range []string{"", "Bearer nope", "cron-secret", "Basic cron-secret"} {
		rec := serve(h, http.MethodPost, header)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
	assert.Zero(t, sweeper.calls)

	rec := serve(h, http.MethodDelete, "Bearer cron-secret")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCleanupRunsSweep(t *testing.T) {
	sweeper := &stubSweeper{result: account.SweepResult{PrunedRefreshTokens: 3, ClearedLocks: 1}}
	h := NewCleanupHandler(sweeper, observability.NewLoggerTo(nil), "cron-secret", 0)

	rec := serve(h, http.MethodGet, "Bearer cron-secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sweeper.calls)
	assert.Equal(t, 500, sweeper.batchSize)

	var body struct {
		Status string              `json:"status"`
		Result account.SweepResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, int64(3), body.Result.PrunedRefreshTokens)
	assert.Equal(t, int64(1), body.Result.ClearedLocks)
}

func TestCleanupSurfacesFailure(t *testing.T) {
	sweeper := &stubSweeper{err: errors.New("db down")}
	h := NewCleanupHandler(sweeper, observability.NewLoggerTo(nil), "cron-secret", 10)

	rec := serve(h, http.MethodPost, "Bearer cron-secret")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"Cleanup failed"}`, rec.Body.String())
}
