package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.CallStarted("caller")
	c.Transition("ringing", "active")
	c.ObserveRTT(time.Millisecond)
	c.RelayConnected()
	assert.Nil(t, c.Registry())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestActiveGaugeFollowsTransitions(t *testing.T) {
	c := New("peer")
	c.Transition("connecting", "active")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsActive))
	c.Transition("active", "ending")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.callsActive))
	c.Transition("ringing", "ending")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.callsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("active", "ending")))
}

func TestHandlerExposesCounters(t *testing.T) {
	c := New("relay")
	c.SignalSent("offer")
	c.RelayPublished("offer")
	c.Duplicate()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `peercall_relay_signals_sent_total{kind="offer"} 1`)
	assert.Contains(t, body, `peercall_relay_relay_published_total{kind="offer"} 1`)
	assert.Contains(t, body, "peercall_relay_signals_duplicate_total 1")
}
