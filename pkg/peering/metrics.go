package peering

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ankurah_peering_requests_total",
		Help: "Outgoing peer requests by outcome.",
	}, []string{"outcome"})
	updatePushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ankurah_peering_update_pushes_total",
		Help: "Server-initiated update messages pushed to subscribed peers.",
	})
	peerTeardowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ankurah_peering_teardowns_total",
		Help: "Peers deregistered after a failed send.",
	})
)
