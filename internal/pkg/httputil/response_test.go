package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAccepted(t *testing.T) {
	rec := httptest.NewRecorder()
	Accepted(rec, map[string]string{"status": "processing"})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"processing"}`, rec.Body.String())
}

func TestErrorCode(t *testing.T) {
	rec := httptest.NewRecorder()
	Conflict(rec, "invalid_transition", "campaign is completed")

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "invalid_transition", body.Code)
	assert.Equal(t, "campaign is completed", body.Error)
}

func TestInternalErrorHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	InternalError(rec, errors.New("pq: connection refused to 10.0.0.5"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "internal server error", body.Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestDecode(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"launch"}`))
	rec := httptest.NewRecorder()
	assert.True(t, Decode(rec, req, &dst))
	assert.Equal(t, "launch", dst.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	rec = httptest.NewRecorder()
	assert.False(t, Decode(rec, req, &dst))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decodeError(t, rec).Code)
}
