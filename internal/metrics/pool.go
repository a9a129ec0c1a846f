package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolGauge pairs a metric descriptor with the pgxpool.Stat accessor that
// produces its value.
type poolGauge struct {
	desc *prometheus.Desc
	read func(*pgxpool.Stat) int32
}

type poolCollector struct {
	pool   *pgxpool.Pool
	gauges []poolGauge
}

// RegisterPoolMetrics exposes live pgxpool connection statistics as gauges.
// Values are read from the pool on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("flaggate_db_pool_"+name, help, nil, nil)
	}

	reg.MustRegister(&poolCollector{
		pool: pool,
		gauges: []poolGauge{
			{desc("acquired", "Connections currently checked out of the pool."), (*pgxpool.Stat).AcquiredConns},
			{desc("idle", "Idle connections held by the pool."), (*pgxpool.Stat).IdleConns},
			{desc("total", "Connections the pool currently holds, busy or idle."), (*pgxpool.Stat).TotalConns},
			{desc("max", "Configured upper bound on pool connections."), (*pgxpool.Stat).MaxConns},
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, float64(g.read(stat)))
	}
}
