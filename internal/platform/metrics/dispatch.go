package metrics

import "time"

// offerLatencyBuckets spans an instant accept to a full offer window.
var offerLatencyBuckets = []float64{1, 5, 15, 30, 60, 120, 300}

// Dispatch groups the engine's counters. A nil *Dispatch is valid and
// records nothing, so components can run without a registry in tests.
type Dispatch struct {
	transitions  *CounterVec
	rejections   *CounterVec
	offers       *CounterVec
	locations    *CounterVec
	notified     *CounterVec
	deadLetters  *CounterVec
	bridge       *CounterVec
	liveSessions *Gauge
	offerLatency *HistogramVec
	assignments  *CounterVec
}

func NewDispatch(r *Registry) *Dispatch {
	d := &Dispatch{
		transitions: NewCounterVec(Opts{
			Name: "dispatch_request_transitions_total",
			Help: "Applied request status transitions by target status.",
		}, []string{"to"}),
		rejections: NewCounterVec(Opts{
			Name: "dispatch_request_transition_rejections_total",
			Help: "Rejected request status transitions by target status and error class.",
		}, []string{"to", "error"}),
		offers: NewCounterVec(Opts{
			Name: "dispatch_offers_total",
			Help: "Offers by outcome (pending counts creations).",
		}, []string{"outcome"}),
		locations: NewCounterVec(Opts{
			Name: "dispatch_location_updates_total",
			Help: "Location updates by ingress result.",
		}, []string{"result"}),
		notified: NewCounterVec(Opts{
			Name: "dispatch_notifications_total",
			Help: "Durable notifications by kind and result.",
		}, []string{"kind", "result"}),
		deadLetters: NewCounterVec(Opts{
			Name: "dispatch_notification_dead_letters_total",
			Help: "Notifications abandoned after exhausting retries.",
		}, []string{"kind"}),
		bridge: NewCounterVec(Opts{
			Name: "dispatch_bridge_events_total",
			Help: "Domain events forwarded to or dropped before JetStream.",
		}, []string{"kind", "result"}),
		liveSessions: NewGauge(Opts{
			Name: "dispatch_live_sessions",
			Help: "Open live duplex sessions.",
		}),
		offerLatency: NewHistogramVec(Opts{
			Name: "dispatch_offer_resolution_seconds",
			Help: "Seconds from offer creation to its outcome, by outcome.",
		}, offerLatencyBuckets, []string{"outcome"}),
		assignments: NewCounterVec(Opts{
			Name: "dispatch_assignment_outcomes_total",
			Help: "How dispatches ended, assigned or no_match.",
		}, []string{"outcome"}),
	}
	if r != nil {
		r.MustRegister(d.transitions, d.rejections, d.offers, d.locations, d.notified, d.deadLetters, d.bridge, d.liveSessions, d.offerLatency, d.assignments)
	}
	return d
}

func (d *Dispatch) Transition(to string) {
	if d != nil {
		d.transitions.WithLabelValues(to).Inc()
	}
}

func (d *Dispatch) Rejection(to, class string) {
	if d != nil {
		d.rejections.WithLabelValues(to, class).Inc()
	}
}

func (d *Dispatch) Offer(outcome string) {
	if d != nil {
		d.offers.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatch) Location(result string) {
	if d != nil {
		d.locations.WithLabelValues(result).Inc()
	}
}

func (d *Dispatch) Notification(kind, result string) {
	if d != nil {
		d.notified.WithLabelValues(kind, result).Inc()
	}
}

func (d *Dispatch) DeadLetter(kind string) {
	if d != nil {
		d.deadLetters.WithLabelValues(kind).Inc()
	}
}

func (d *Dispatch) BridgeForwarded(kind string) {
	if d != nil {
		d.bridge.WithLabelValues(kind, "forwarded").Inc()
	}
}

func (d *Dispatch) BridgeDropped(kind string) {
	if d != nil {
		d.bridge.WithLabelValues(kind, "dropped").Inc()
	}
}

func (d *Dispatch) SessionOpened() {
	if d != nil {
		d.liveSessions.Inc()
	}
}

func (d *Dispatch) SessionClosed() {
	if d != nil {
		d.liveSessions.Dec()
	}
}

// OfferResolved records how long an offer stayed open before outcome.
func (d *Dispatch) OfferResolved(outcome string, open time.Duration) {
	if d != nil {
		d.offerLatency.Observe(open.Seconds(), outcome)
	}
}

func (d *Dispatch) Assignment(outcome string) {
	if d != nil {
		d.assignments.WithLabelValues(outcome).Inc()
	}
}
