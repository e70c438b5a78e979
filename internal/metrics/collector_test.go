package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordsInvocations(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ObserveInvocation("echo", "success", 10*time.Millisecond)
	c.ObserveInvocation("echo", "success", 10*time.Millisecond)
	c.ObserveInvocation("echo", "denied", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.toolInvocations.WithLabelValues("echo", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolInvocations.WithLabelValues("echo", "denied")))
}

func TestCollector_InstallsAndCatalog(t *testing.T) {
	c := New(nil)
	c.ObserveInstall(nil)
	c.ObserveInstall(errors.New("boom"))
	c.AddLoadErrors(2)
	c.SetCatalogSize(4, 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.installs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.installs.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.loadErrors))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.catalogTools.WithLabelValues("installed")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.ObserveInvocation("x", "error", time.Second)
	c.ObserveRegistryRequest("search", "200", time.Second)
	c.ObserveInstall(nil)
	c.AddLoadErrors(1)
	c.SetCatalogSize(1, 1)
	assert.Zero(t, c.Uptime())
}

func TestCollector_Handler(t *testing.T) {
	c := New(nil)
	c.ObserveRegistryRequest("describe", "200", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "jumith_registry_request_duration_seconds")
}
