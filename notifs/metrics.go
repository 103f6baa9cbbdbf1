package notifs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var outboxCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notifs_outbox_committed_total",
	Help: "Number of committed outbox entries picked up for delivery",
}, []string{"type"})

var outboxDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notifs_outbox_deliveries_total",
	Help: "Number of outbox delivery attempts",
}, []string{"type", "status"})

var outboxPending = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "notifs_outbox_pending",
	Help: "Number of outbox entries waiting for delivery",
})

var messagesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notifs_messages_applied_total",
	Help: "Number of notification messages applied by the store",
}, []string{"type", "result"})

var streamMessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notifs_stream_messages_consumed_total",
	Help: "Number of notification messages read from the redis stream",
}, []string{"status"})
