package kb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operational metrics of the KB agent, exported on the /metrics endpoint of
// the serving process.
var (
	storeOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kb_store_ok",
		Help: "Successful STORE operations.",
	})
	storeConflict = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kb_store_conflict",
		Help: "STORE operations rejected by an if_match precondition or a lost append race.",
	})
	storeFail = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kb_store_fail",
		Help: "STORE operations failed for reasons other than a conflict.",
	})
	getOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kb_get_ok",
		Help: "Successful GET operations.",
	})
	getNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kb_get_not_found",
		Help: "GET operations addressing a missing key, version or snapshot.",
	})
	getFail = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kb_get_fail",
		Help: "GET operations failed for reasons other than not-found.",
	})
	opSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kb_op_seconds",
		Help:    "Latency of KB operations by kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)
