package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	viper.Set("client.addr", srv.URL+"/")
	t.Cleanup(func() { viper.Set("client.addr", "") })
	return newClient()
}

func TestClient_DecodesResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PUT", r.Method)
		assert.Equal(t, "/api/interpreter/setting/restart/python", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["user"])

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"setting_id":         "python",
			"groups":             1,
			"nothing_to_restart": false,
		})
	})

	var resp restartResponse
	err := c.do("PUT", "/api/interpreter/setting/restart/python", map[string]string{"user": "alice"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "python", resp.SettingID)
	assert.Equal(t, 1, resp.Groups)
}

func TestClient_ReturnsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":      "setting missing not found",
			"code":       "SETTING_NOT_FOUND",
			"suggestion": "create it first",
		})
	})

	err := c.do("GET", "/api/interpreter/setting/missing", nil, nil)
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "SETTING_NOT_FOUND", apiErr.Code)
	assert.Contains(t, err.Error(), "create it first")
}

func TestClient_NonJSONError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	err := c.do("GET", "/health", nil, nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
}
