package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverAt(t *testing.T, offset time.Duration, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(ServerHealth{Status: "healthy", Time: time.Now().Add(offset)})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckHealthy(t *testing.T) {
	srv := serverAt(t, 0, http.StatusOK)
	st := Check(context.Background(), srv.Client(), srv.URL+"/", 120)
	assert.True(t, st.Healthy, st.Issues)
	assert.True(t, st.ServerReachable)
	assert.LessOrEqual(t, st.TimeDrift, 1)
	assert.False(t, st.LastSuccessfulSync.IsZero())
}

func TestCheckDrift(t *testing.T) {
	srv := serverAt(t, -10*time.Minute, http.StatusOK)
	st := Check(context.Background(), srv.Client(), srv.URL, 120)
	assert.False(t, st.Healthy)
	assert.True(t, st.ServerReachable)
	assert.InDelta(t, 600, st.TimeDrift, 2)
	require.Len(t, st.Issues, 1)
	assert.Contains(t, st.Issues[0], "time drift")
}

func TestCheckUnhealthyServer(t *testing.T) {
	srv := serverAt(t, 0, http.StatusServiceUnavailable)
	st := Check(context.Background(), srv.Client(), srv.URL, 120)
	assert.False(t, st.Healthy)
	assert.False(t, st.ServerReachable)
	assert.Contains(t, st.Issues[0], "503")
}

func TestCheckUnreachable(t *testing.T) {
	srv := serverAt(t, 0, http.StatusOK)
	url := srv.URL
	srv.Close()
	st := Check(context.Background(), nil, url, 120)
	assert.False(t, st.ServerReachable)
	assert.Contains(t, st.Issues[0], "cannot reach server")
}
