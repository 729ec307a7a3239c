package registry

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerMetricsOnce sync.Once

	loadedRecordsGauge *prometheus.GaugeVec
	residentBytesGauge *prometheus.GaugeVec
)

// registerMetrics lazily registers the registry's prometheus gauges
// exactly once per process, guarded by sync.Once instead of an init
// func so tests can construct many Registry values without a
// duplicate-registration panic.
func registerMetrics() {
	registerMetricsOnce.Do(func() {
		loadedRecordsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registry_loaded_records",
			Help: "Number of Index Records currently loaded, by cell size.",
		}, []string{"cell_size"})
		residentBytesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registry_resident_bytes",
			Help: "Resident bytes (header + entry directory) of loaded Index Records, by cell size.",
		}, []string{"cell_size"})
		prometheus.MustRegister(loadedRecordsGauge, residentBytesGauge)
	})
}

// reportMemory updates the per-cell-size gauges and returns a
// human-readable byte count for logging, mirroring how
// index-slot-to-cid.go formats item counts with humanize.Comma.
func reportMemory(cellSizeLabel string, records int, bytes int64) string {
	loadedRecordsGauge.WithLabelValues(cellSizeLabel).Set(float64(records))
	residentBytesGauge.WithLabelValues(cellSizeLabel).Set(float64(bytes))
	return humanize.Bytes(uint64(bytes))
}
