package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRelayCounters(t *testing.T) {
	r := New()
	r.ClientConnected()
	r.ClientConnected()
	r.ClientDisconnected()
	r.Action("takeover", "ok")
	r.Action("takeover", "ok")
	r.Broadcast("new_message", 3)
	r.Takeover("rejected")
	r.Takeover("expired")

	if got := testutil.ToFloat64(r.connectedClients); got != 1 {
		t.Fatalf("connected clients = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.actionsTotal.WithLabelValues("takeover", "ok")); got != 2 {
		t.Fatalf("takeover actions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.broadcastsTotal.WithLabelValues("new_message")); got != 3 {
		t.Fatalf("new_message frames = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.takeoversTotal.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("rejected takeovers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.takeoversTotal.WithLabelValues("expired")); got != 1 {
		t.Fatalf("expired takeovers = %v, want 1", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	r := New()
	r.ObserveResponder(120 * time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "live_relay_responder_duration_seconds") {
		t.Fatalf("metrics output missing responder histogram:\n%s", rec.Body.String())
	}
}

func TestNilRelayIsSafe(t *testing.T) {
	var r *Relay
	r.ClientConnected()
	r.Action("x", "ok")
	r.Broadcast("x", 1)
	r.Takeover("acquired")
	r.ObserveResponder(time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("nil relay handler status = %d, want 404", rec.Code)
	}
}
