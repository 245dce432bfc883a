package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteCode(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/events", nil)
	w.Header().Set("X-Request-ID", "req-123")

	WriteCode(w, r, http.StatusConflict, "payload_replay", "payload_id already seen")

	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	require.Equal(t, "payload_replay", problem.Code)
	require.Equal(t, "/events", problem.Instance)
	require.Equal(t, "req-123", problem.TraceID)
	require.Equal(t, "https://warden.mindburn.dev/errors/payload_replay", problem.Type)
}

func TestWriteCodeErrUsesSentinelCode(t *testing.T) {
	sentinel := errors.New("task_expired")
	wrapped := fmt.Errorf("record result: %w", fmt.Errorf("%w: task-9", sentinel))

	w := httptest.NewRecorder()
	WriteCodeErr(w, httptest.NewRequest(http.MethodPost, "/tasks/task-9/results", nil), http.StatusConflict, wrapped)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	require.Equal(t, "task_expired", problem.Code)
	require.Contains(t, problem.Detail, "task-9")
}

func TestWriteErrorHelpers(t *testing.T) {
	w := httptest.NewRecorder()
	WriteUnauthorized(w, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	require.Equal(t, "Unauthorized", problem.Title)
	require.Equal(t, "Authentication required", problem.Detail)
}

func TestWriteTooManyRequestsSetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTooManyRequests(w, 30)
	require.Equal(t, "30", w.Header().Get("Retry-After"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}
