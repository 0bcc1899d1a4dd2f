package memory

import (
	"go.opentelemetry.io/otel/metric"

	latchotel "github.com/dativo-io/latch/internal/otel"
)

var meter = latchotel.Meter("github.com/dativo-io/latch/internal/memory")

var (
	writesTotal  metric.Int64Counter
	readsTotal   metric.Int64Counter
	entriesGauge metric.Int64Gauge
)

func init() {
	var err error
	writesTotal, err = meter.Int64Counter("memory.writes.total",
		metric.WithDescription("Total memory write operations"))
	if err != nil {
		writesTotal, _ = meter.Int64Counter("memory.writes.total.fallback")
	}

	readsTotal, err = meter.Int64Counter("memory.reads.total",
		metric.WithDescription("Total memory read operations"))
	if err != nil {
		readsTotal, _ = meter.Int64Counter("memory.reads.total.fallback")
	}

	entriesGauge, err = meter.Int64Gauge("memory.entries.count",
		metric.WithDescription("Current number of memory entries"))
	if err != nil {
		entriesGauge, _ = meter.Int64Gauge("memory.entries.count.fallback")
	}
}
