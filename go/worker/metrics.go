package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queriesServedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sqlite_worker_queries_served_total",
	Help: "The number of database queries served",
}, []string{"status"})

var rowsUpsertedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sqlite_worker_rows_upserted_total",
	Help: "The number of rows upserted into the row store",
})

var heartbeatFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sqlite_worker_heartbeat_failures_total",
	Help: "The number of failed heartbeats to core",
})
