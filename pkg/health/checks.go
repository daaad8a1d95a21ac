// Package health runs the agent's preflight checks against the collector.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ServerHealth is the body served by the collector at /api/health.
type ServerHealth struct {
	Status  string    `json:"status"`
	Version string    `json:"version,omitempty"`
	Time    time.Time `json:"time"`
}

type HealthStatus struct {
	ServerReachable    bool      `json:"server_reachable"`
	TimeDrift          int       `json:"time_drift_seconds"`
	LastSuccessfulSync time.Time `json:"last_successful_sync"`
	Healthy            bool      `json:"healthy"`
	Issues             []string  `json:"issues,omitempty"`
}

// Check probes the collector and measures local clock drift against it.
// Token requests are rejected once drift exceeds the server's freshness
// window, so maxTimeDrift should be below it.
func Check(ctx context.Context, client *http.Client, serverURL string, maxTimeDrift int) *HealthStatus {
	status := &HealthStatus{
		Healthy: true,
		Issues:  []string{},
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	serverTime, err := probe(ctx, client, strings.TrimRight(serverURL, "/")+"/api/health")
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, err.Error())
		return status
	}
	status.ServerReachable = true

	drift := driftSeconds(time.Now(), serverTime)
	status.TimeDrift = drift
	if drift > maxTimeDrift {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds", drift, maxTimeDrift))
	}

	if status.Healthy {
		status.LastSuccessfulSync = time.Now()
	}
	return status
}

func probe(ctx context.Context, client *http.Client, url string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, err
	}
	sent := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("server unhealthy: %d", resp.StatusCode)
	}

	var body ServerHealth
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && !body.Time.IsZero() {
		// account for half the round trip
		return body.Time.Add(time.Since(sent) / 2), nil
	}
	// fall back to the Date header, which only has second precision
	if date, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		return date, nil
	}
	return time.Now(), nil
}

func driftSeconds(local, server time.Time) int {
	d := local.Sub(server)
	if d < 0 {
		d = -d
	}
	return int(d.Round(time.Second) / time.Second)
}
