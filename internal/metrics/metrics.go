package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolutions counts check-in decisions by outcome: present, late,
// duplicate, low_similarity, no_enrollment, session_inactive, synthetic.
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "classattend",
	Name:      "resolutions_total",
	Help:      "Attendance resolution outcomes.",
}, []string{"outcome"})

// Similarity tracks the weighted similarity of every scored check-in,
// matched or not, so threshold drift is visible.
var Similarity = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "classattend",
	Name:      "match_similarity",
	Help:      "Weighted cosine similarity of check-in attempts.",
	Buckets:   prometheus.LinearBuckets(0.0, 0.05, 21),
})

// CaptureCycles counts orchestrator capture cycles by result.
var CaptureCycles = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "classattend",
	Name:      "capture_cycles_total",
	Help:      "Capture orchestrator cycles by result.",
}, []string{"result"})

// Enrollments counts enrollment attempts by result.
var Enrollments = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "classattend",
	Name:      "enrollments_total",
	Help:      "Enrollment attempts by result.",
}, []string{"result"})
