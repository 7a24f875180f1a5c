package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Status(t *testing.T) {
	tests := []struct {
		name      string
		checks    []*HealthCheck
		want      HealthStatus
		readyCode int
	}{
		{name: "no checks", want: HealthStatusHealthy, readyCode: http.StatusOK},
		{
			name:      "store down",
			checks:    []*HealthCheck{StoreCheck("turn_store", func(context.Context) error { return errors.New("dial tcp: refused") })},
			want:      HealthStatusUnhealthy,
			readyCode: http.StatusServiceUnavailable,
		},
		{
			name:      "crm down degrades",
			checks:    []*HealthCheck{ExternalServiceCheck("crm", func(context.Context) error { return errors.New("timeout") })},
			want:      HealthStatusDegraded,
			readyCode: http.StatusOK,
		},
		{
			name: "slow check times out",
			checks: []*HealthCheck{{
				Name:      "slow",
				Critical:  true,
				Timeout:   10 * time.Millisecond,
				CheckFunc: func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() },
			}},
			want:      HealthStatusUnhealthy,
			readyCode: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("test")
			for _, c := range tt.checks {
				hc.RegisterCheck(c)
			}
			resp := hc.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Equal(t, "test", resp.Version)

			rec := httptest.NewRecorder()
			hc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.readyCode, rec.Code)
		})
	}
}

func TestServer_Routes(t *testing.T) {
	InitMetrics()
	RecordTurn("succeeded", time.Millisecond)
	RecordHandoffStep("create_task", "succeeded", 2, time.Millisecond)

	srv := httptest.NewServer(NewServer(":0", NewHealthChecker("v1")).Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	_ = res.Body.Close()
	assert.Equal(t, HealthStatusHealthy, body.Status)

	res, err = http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	_ = res.Body.Close()

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	out := string(raw)
	assert.True(t, strings.Contains(out, `advisor_turns_total{outcome="succeeded"}`), out)
	assert.Contains(t, out, "advisor_handoff_step_attempts_total")
}
