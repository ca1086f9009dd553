package board

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardsync_board_mutations_total",
		Help: "Board mutations by operation and result",
	}, []string{"op", "result"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardsync_board_write_retries_total",
		Help: "Conditional writes retried after a version conflict",
	}, []string{"op"})

	rebalancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boardsync_board_rebalances_total",
		Help: "Lists whose card ranks were re-spread",
	})
)

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	mutationsTotal.WithLabelValues(op, result).Inc()
}
