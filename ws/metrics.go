package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedObservers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatview_ws_observers",
		Help: "Currently connected websocket observers.",
	})
	broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatview_ws_broadcasts_total",
		Help: "Events broadcast to observers.",
	})
	deliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatview_ws_delivery_failures_total",
		Help: "Per-observer delivery failures (each disconnects that observer).",
	})
)

func init() {
	prometheus.MustRegister(connectedObservers, broadcasts, deliveryFailures)
}
