package clock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	updatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hypermerge_clockstore_updates_total",
		Help: "Total number of ClockStore.Update calls.",
	})

	mergeChangedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hypermerge_clockstore_merge_changed_total",
		Help: "Total number of ClockStore.Update calls that advanced the stored clock.",
	})
)
