package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("moderation")

var actionsTaken = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_actions_taken_total",
	Help: "Number of moderation actions taken",
}, []string{"action", "subject_type"})

var actionsReversed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_actions_reversed_total",
	Help: "Number of moderation actions reversed",
}, []string{"action"})

var conflictingTakedowns = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_conflicting_takedowns_total",
	Help: "Number of takedowns refused because the subject was already taken down",
})

var reportsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_reports_created_total",
	Help: "Number of moderation reports filed",
}, []string{"reason_type"})

var resolutionsLinked = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_report_resolutions_total",
	Help: "Number of new report to action links",
})
