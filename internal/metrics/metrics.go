// Package metrics registers ComplaintPipe's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "complaintpipe"

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound message events accepted for processing, by provider.",
		},
		[]string{"provider"},
	)

	DuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Redelivered events dropped by the dedup set.",
		},
	)

	PairingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_total",
			Help:      "Pairing decisions, by confidence tag.",
		},
		[]string{"confidence"},
	)

	ClassifierFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_failures_total",
			Help:      "Complaints recorded with the fallback classification.",
		},
	)

	SinkFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Rows that could not be written, by sink.",
		},
		[]string{"sink"},
	)

	PairingSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_swept_total",
			Help:      "Expired association entries removed by the background sweep.",
		},
	)

	WebhookRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejected_total",
			Help:      "Webhook requests rejected before processing, by reason.",
		},
		[]string{"reason"},
	)

	AcksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_total",
			Help:      "Acknowledgements sent to residents, by result.",
		},
		[]string{"result"},
	)

	AckReceiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_receipts_total",
			Help:      "Delivery and read receipts observed for acknowledgements.",
		},
		[]string{"status"},
	)

	AssociationEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "association_entries",
			Help:      "Entries currently held by the windowed association store.",
		},
	)

	DedupEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_entries",
			Help:      "Message ids currently remembered by the dedup set.",
		},
	)

	DownstreamInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downstream_in_flight",
			Help:      "Complaints currently being classified and written.",
		},
	)
)

// Rejection reasons used with WebhookRejectedTotal.
const (
	RejectBadSignature = "bad_signature"
	RejectRateLimited  = "rate_limited"
	RejectInvalid      = "invalid"
)
