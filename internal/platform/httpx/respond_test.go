package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProblemUsesProblemJSONMediaType(t *testing.T) {
	rec := httptest.NewRecorder()
	Problem(rec, http.StatusConflict, "conflict", "reference already used")

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "about:blank", body.Type)
	require.Equal(t, "conflict", body.Title)
	require.Equal(t, http.StatusConflict, body.Status)
	require.Equal(t, "reference already used", body.Detail)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var payload struct {
		Reference string `json:"reference"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reference":"grn-1","quanttiy":"5"}`))
	require.Error(t, DecodeJSON(req, &payload))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reference":"grn-1"}`))
	require.NoError(t, DecodeJSON(req, &payload))
	require.Equal(t, "grn-1", payload.Reference)
}
