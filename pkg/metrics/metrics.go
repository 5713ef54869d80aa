package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keyrelay"

var (
	PreKeysRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prekeys_registered_total",
		Help:      "One-time prekeys accepted by batch registration.",
	})

	BundleClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bundle_claims_total",
		Help:      "Bundle claims by outcome: full, partial or exhausted.",
	}, []string{"result"})

	PreKeysClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prekeys_claimed_total",
		Help:      "One-time prekeys handed out in bundles.",
	})

	SignedPreKeyRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signed_prekey_rotations_total",
		Help:      "Signed prekey rotations by outcome.",
	}, []string{"result"})

	SessionWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_writes_total",
		Help:      "Session state writes by outcome.",
	}, []string{"result"})

	SenderKeyOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sender_key_ops_total",
		Help:      "Sender key operations by kind.",
	}, []string{"op"})

	EnvelopesRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_recorded_total",
		Help:      "Envelopes recorded by cipher type.",
	}, []string{"cipher_type"})

	IdentityResets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "identity_resets_total",
		Help:      "Identity resets performed.",
	})

	RetentionDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_deleted_total",
		Help:      "Records removed by the retention job, by kind.",
	}, []string{"kind"})

	RetentionLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "retention_last_run_timestamp_seconds",
		Help:      "Unix time the retention job last finished.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "code"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by a rate limiter.",
	}, []string{"limiter"})
)

func init() {
	prometheus.MustRegister(
		PreKeysRegistered,
		BundleClaims,
		PreKeysClaimed,
		SignedPreKeyRotations,
		SessionWrites,
		SenderKeyOps,
		EnvelopesRecorded,
		IdentityResets,
		RetentionDeleted,
		RetentionLastRun,
		HTTPRequests,
		HTTPDuration,
		RateLimited,
	)
}
