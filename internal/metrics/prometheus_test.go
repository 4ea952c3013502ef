package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(OfferHandled)
	m.Add(ParticipantJoined, 2)
	m.Inc(`quote"back\slash`)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `huddle_sfu_events_total{event="offer_handled"} 1`) {
		t.Fatalf("missing offer_handled counter:\n%s", body)
	}
	if !strings.Contains(body, `huddle_sfu_events_total{event="participant_joined"} 2`) {
		t.Fatalf("missing participant_joined counter:\n%s", body)
	}
	if !strings.Contains(body, `huddle_sfu_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter:\n%s", body)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Inc("anything")
	if got := m.Get("anything"); got != 0 {
		t.Fatalf("Get on nil = %d, want 0", got)
	}
}
