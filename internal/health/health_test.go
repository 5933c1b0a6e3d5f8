package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/cachemesh/internal/model"
)

type staticSource struct {
	health model.ClusterHealth
}

func (s staticSource) ClusterHealth() model.ClusterHealth {
	return s.health
}

func TestLivenessHandler(t *testing.T) {
	hc := NewHealthCheck(nil, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		source     ClusterHealthSource
		wantCode   int
		wantStatus string
	}{
		{
			name:       "single mode",
			source:     nil,
			wantCode:   http.StatusOK,
			wantStatus: "ready",
		},
		{
			name:       "not yet checked",
			source:     staticSource{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
		},
		{
			name:       "healthy cluster",
			source:     staticSource{model.ClusterHealth{Status: model.ClusterStatusHealthy, CheckedAt: time.Now()}},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
		},
		{
			name:       "degraded cluster still serves",
			source:     staticSource{model.ClusterHealth{Status: model.ClusterStatusDegraded, CheckedAt: time.Now()}},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
		},
		{
			name:       "critical cluster",
			source:     staticSource{model.ClusterHealth{Status: model.ClusterStatusCritical, CheckedAt: time.Now()}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthCheck(tt.source, zap.NewNop())

			rec := httptest.NewRecorder()
			hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
		})
	}
}
