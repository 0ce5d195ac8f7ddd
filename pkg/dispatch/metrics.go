package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics are the prometheus instruments for one engine. They are
// always created so the hot path never nil-checks; registration only
// happens when the caller supplied a Registerer.
type engineMetrics struct {
	blocksCompiled prometheus.Counter
	cacheClears    prometheus.Counter
	invalidations  prometheus.Counter
	backpatches    prometheus.Counter
	slowAccesses   prometheus.Counter
	blocksLive     prometheus.GaugeFunc
}

func newEngineMetrics(reg prometheus.Registerer, id string, liveBlocks func() float64) *engineMetrics {
	labels := prometheus.Labels{"engine": id}
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   "dolphin",
			Subsystem:   "jit",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}
	}
	m := &engineMetrics{
		blocksCompiled: prometheus.NewCounter(opts("blocks_compiled_total", "Blocks compiled and installed.")),
		cacheClears:    prometheus.NewCounter(opts("cache_clears_total", "Full block cache clears.")),
		invalidations:  prometheus.NewCounter(opts("invalidations_total", "Instruction cache invalidation requests.")),
		backpatches:    prometheus.NewCounter(opts("backpatches_total", "Faulting fast accesses repaired in place.")),
		slowAccesses:   prometheus.NewCounter(opts("slow_accesses_total", "Checked accesses run for patched sites.")),
		blocksLive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "dolphin",
			Subsystem:   "jit",
			Name:        "blocks_live",
			Help:        "Allocated block slots since the last clear.",
			ConstLabels: labels,
		}, liveBlocks),
	}
	if reg != nil {
		reg.MustRegister(m.blocksCompiled, m.cacheClears, m.invalidations,
			m.backpatches, m.slowAccesses, m.blocksLive)
	}
	return m
}
