package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHistogramExposition(t *testing.T) {
	r := NewRegistry()
	h := NewHistogramVec(Opts{Name: "offer_seconds", Help: "Offer latency."}, []float64{30, 5}, []string{"outcome"})
	r.MustRegister(h)

	h.Observe(2, "accepted")
	h.Observe(12, "accepted")
	h.Observe(90, "timeout")
	h.Observe(1, "accepted", "extra")

	want := `# HELP offer_seconds Offer latency.
# TYPE offer_seconds histogram
offer_seconds_bucket{outcome="accepted",le="5"} 1
offer_seconds_bucket{outcome="accepted",le="30"} 2
offer_seconds_bucket{outcome="accepted",le="+Inf"} 2
offer_seconds_sum{outcome="accepted"} 14
offer_seconds_count{outcome="accepted"} 2
offer_seconds_bucket{outcome="timeout",le="5"} 0
offer_seconds_bucket{outcome="timeout",le="30"} 0
offer_seconds_bucket{outcome="timeout",le="+Inf"} 1
offer_seconds_sum{outcome="timeout"} 90
offer_seconds_count{outcome="timeout"} 1
`
	if got := r.Expose(); got != want {
		t.Fatalf("exposition:\n%s\nwant:\n%s", got, want)
	}
	if h.Count("accepted") != 2 || h.Count("declined") != 0 {
		t.Fatalf("counts = %d, %d", h.Count("accepted"), h.Count("declined"))
	}
}

func TestCounterVecIgnoresBadInput(t *testing.T) {
	c := NewCounterVec(Opts{Name: "offers_total", Help: "Offers."}, []string{"outcome"})
	c.WithLabelValues("pending").Inc()
	c.WithLabelValues("pending").Add(-3)
	c.WithLabelValues("pending", "x").Inc()
	c.WithLabelValues(`we"ird`).Add(2)

	if got := c.Value("pending"); got != 1 {
		t.Fatalf("pending = %v", got)
	}
	var sb strings.Builder
	c.expose(&sb)
	if !strings.Contains(sb.String(), `offers_total{outcome="we\"ird"} 2`) {
		t.Fatalf("label not escaped:\n%s", sb.String())
	}
}

func TestMustRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	RegisterRuntime(r, time.Now())
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration did not panic")
		}
	}()
	r.MustRegister(NewGauge(Opts{Name: "go_goroutines"}))
}

func TestDispatchSet(t *testing.T) {
	var none *Dispatch
	none.OfferResolved("accepted", time.Second)
	none.Assignment("assigned")

	r := NewRegistry()
	d := NewDispatch(r)
	d.OfferResolved("accepted", 3*time.Second)
	d.Assignment("no_match")
	d.SessionOpened()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain; version=0.0.4") {
		t.Fatalf("content type %q", ct)
	}
	body := rec.Body.String()
	for _, line := range []string{
		`dispatch_offer_resolution_seconds_bucket{outcome="accepted",le="1"} 0`,
		`dispatch_offer_resolution_seconds_bucket{outcome="accepted",le="5"} 1`,
		`dispatch_assignment_outcomes_total{outcome="no_match"} 1`,
		"dispatch_live_sessions 1",
	} {
		if !strings.Contains(body, line+"\n") {
			t.Errorf("missing %q", line)
		}
	}
}
