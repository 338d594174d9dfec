package runner_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/necrocode/engine/pkg/runner"
)

func TestHTTPCodegenClientParsesChanges(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"changes": []map[string]string{
				{"file_path": "main.go", "operation": "update", "content": "package main"},
			},
		})
	}))
	defer ts.Close()

	c := runner.NewHTTPCodegenClient(ts.URL, "")
	changes, err := c.GenerateCode(t.Context(), "do the thing", "/tmp/ws")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "main.go", changes[0].FilePath)
}

func TestHTTPCodegenClientClassifiesRateLimitAsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := runner.NewHTTPCodegenClient(ts.URL, "")
	_, err := c.GenerateCode(t.Context(), "p", "/tmp/ws")
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.ErrTransientCodegen)
}

func TestHTTPCodegenClientClassifiesAuthFailureAsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := runner.NewHTTPCodegenClient(ts.URL, "")
	_, err := c.GenerateCode(t.Context(), "p", "/tmp/ws")
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.ErrPermanentCodegen)
}
