package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	malformedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatview_ingest_malformed_events_total",
		Help: "Events skipped during normalization because of bad shape.",
	})
	appliedIntents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatview_ingest_intents_total",
		Help: "Upsert intents applied to the record store.",
	})
	ingestedDocuments = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatview_ingest_documents_total",
		Help: "Webhook documents fully processed.",
	})
)

func init() {
	prometheus.MustRegister(malformedEvents, appliedIntents, ingestedDocuments)
}
