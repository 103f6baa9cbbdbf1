package activity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var opsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "activity_ops_handled_total",
	Help: "Number of repo ops applied to the record index",
}, []string{"action", "collection", "status"})
