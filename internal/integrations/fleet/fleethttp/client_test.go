package fleethttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClient_GetAssignment_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/assignments", r.URL.Path)
		require.Equal(t, "bus-16", r.URL.Query().Get("vehicle"))
		require.Equal(t, "op-1", r.URL.Query().Get("operator"))
		require.Equal(t, "route-31", r.URL.Query().Get("route"))
		require.Equal(t, "Bearer demo", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "vehicle": {"active": true},
  "operator": {"active": true},
  "route": {"exists": false}
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo")
	a, err := c.GetAssignment(context.Background(), "bus-16", "op-1", "route-31")
	require.NoError(t, err)
	require.True(t, a.VehicleActive)
	require.True(t, a.OperatorActive)
	require.False(t, a.RouteExists)
	require.False(t, a.OK())
}

func TestClient_GetAssignment_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.GetAssignment(context.Background(), "v", "o", "r")
	require.Error(t, err)
	require.Contains(t, err.Error(), "fleet http 502")
}
