package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ankurah_reactor_dispatched_batches_total",
		Help: "Number of commit batches processed by the reactor's dispatch loop.",
	})
	dispatchedUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ankurah_reactor_updates_total",
		Help: "Number of ReactorUpdate values emitted to subscriptions.",
	})
	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ankurah_reactor_active_subscriptions",
		Help: "Number of currently registered reactor subscriptions.",
	})
)
