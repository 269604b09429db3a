package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rotation outcomes are counted by terminal result so reuse spikes are
// visible without grepping audit rows.
var (
	metricRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keepsake",
		Subsystem: "auth",
		Name:      "rotations_total",
		Help:      "Refresh-token rotation attempts by outcome.",
	}, []string{"outcome"})

	metricReuseCascades = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keepsake",
		Subsystem: "auth",
		Name:      "reuse_cascades_total",
		Help:      "Theft-detection cascades (all active tokens revoked for a user).",
	})

	metricLogins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keepsake",
		Subsystem: "auth",
		Name:      "logins_total",
		Help:      "Sessions issued via login.",
	})

	metricPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keepsake",
		Subsystem: "auth",
		Name:      "purged_records_total",
		Help:      "Stale refresh-token records deleted by the cleanup sweeper.",
	})
)

const (
	outcomeRotated  = "rotated"
	outcomeInvalid  = "invalid"
	outcomeExpired  = "expired"
	outcomeReuse    = "reuse"
	outcomeStoreErr = "store_error"
)
