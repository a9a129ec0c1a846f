package metrics

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestRegisterPoolMetrics(t *testing.T) {
	// A zero-config pool (never connected) still exposes valid Stat() values.
	pool, err := pgxpool.New(context.Background(), "")
	if err != nil {
		t.Skipf("unable to create pgxpool (no database): %v", err)
	}
	defer pool.Close()

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	maxConns := pool.Stat().MaxConns()

	expected := fmt.Sprintf(`
# HELP flaggate_db_pool_acquired Connections currently checked out of the pool.
# TYPE flaggate_db_pool_acquired gauge
flaggate_db_pool_acquired 0
# HELP flaggate_db_pool_idle Idle connections held by the pool.
# TYPE flaggate_db_pool_idle gauge
flaggate_db_pool_idle 0
# HELP flaggate_db_pool_max Configured upper bound on pool connections.
# TYPE flaggate_db_pool_max gauge
flaggate_db_pool_max %d
# HELP flaggate_db_pool_total Connections the pool currently holds, busy or idle.
# TYPE flaggate_db_pool_total gauge
flaggate_db_pool_total 0
`, maxConns)

	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"flaggate_db_pool_acquired",
		"flaggate_db_pool_idle",
		"flaggate_db_pool_total",
		"flaggate_db_pool_max",
	); err != nil {
		t.Errorf("unexpected metrics output:\n%v", err)
	}
}

func TestRegisterPoolMetricsGather(t *testing.T) {
	pool, err := pgxpool.New(context.Background(), "")
	if err != nil {
		t.Skipf("unable to create pgxpool (no database): %v", err)
	}
	defer pool.Close()

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(mfs) != 4 {
		t.Errorf("expected 4 metric families, got %d", len(mfs))
	}
}
