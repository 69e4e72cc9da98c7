package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics exposes a tiny in-memory counter set for the notification relay,
// extended from the teacher's push-only counter set with the admission,
// dedupe, and publish outcomes this pipeline adds.
type Metrics struct {
	admitted      atomic.Int64
	rateLimited   atomic.Int64
	duplicate     atomic.Int64
	published     atomic.Int64
	publishFailed atomic.Int64
	consumed      atomic.Int64
	delivered     atomic.Int64
	retried       atomic.Int64
	deadLettered  atomic.Int64
}

// New returns a zeroed Metrics collector.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncAdmitted()      { m.admitted.Add(1) }
func (m *Metrics) IncRateLimited()   { m.rateLimited.Add(1) }
func (m *Metrics) IncDuplicate()     { m.duplicate.Add(1) }
func (m *Metrics) IncPublished()     { m.published.Add(1) }
func (m *Metrics) IncPublishFailed() { m.publishFailed.Add(1) }
func (m *Metrics) IncConsumed()      { m.consumed.Add(1) }
func (m *Metrics) IncDelivered()     { m.delivered.Add(1) }
func (m *Metrics) IncRetried()       { m.retried.Add(1) }
func (m *Metrics) IncDeadLettered()  { m.deadLettered.Add(1) }

// Handler exposes the counters via a small JSON response, matching the
// teacher's own choice not to pull in a heavy metrics dependency.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{
			"admitted":       m.admitted.Load(),
			"rate_limited":   m.rateLimited.Load(),
			"duplicate":      m.duplicate.Load(),
			"published":      m.published.Load(),
			"publish_failed": m.publishFailed.Load(),
			"consumed":       m.consumed.Load(),
			"delivered":      m.delivered.Load(),
			"retried":        m.retried.Load(),
			"dead_lettered":  m.deadLettered.Load(),
		})
	})
}
