package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grafixsolutions/portal/internal/telemetry/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanicRecovery(t *testing.T) {
	m := metrics.NewTestManager()
	handler := PanicRecovery(m)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("ouch")
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	rr := httptest.NewRecorder()

	require.NotPanics(t, func() {
		handler.ServeHTTP(rr, req)
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterHandleRequestPanic))
}
