package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	m := NewMetrics()

	m.ObserveOperation("mount", 120*time.Millisecond, nil)
	m.ObserveOperation("mount", 80*time.Millisecond, errors.New("boom"))
	m.ObserveOperation("unmount", 50*time.Millisecond, nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.opsTotal.WithLabelValues("mount", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.opsTotal.WithLabelValues("mount", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.opsTotal.WithLabelValues("unmount", "success")))
}

func TestReferencedVolumesGauge(t *testing.T) {
	m := NewMetrics()

	m.SetReferencedVolumes(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.referencedVolumes))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := NewMetrics()
	m.ObserveOperation("create", time.Second, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "rbd_volume_operations_total"))
}

func TestNewMetricsIsRestartSafe(t *testing.T) {
	// A second instance must not panic on registration
	_ = NewMetrics()
	_ = NewMetrics()
}
