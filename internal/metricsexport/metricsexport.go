// Package metricsexport bridges internal/stats.Registry onto
// github.com/prometheus/client_golang, grounded on sockstats's
// pkg/exporter/exporter.go Collector pattern: a custom prometheus.Collector
// that snapshots live, lock-protected state on every scrape rather than
// keeping long-lived prometheus.Metric objects in sync with the registry.
// This is opt-in and only ever consulted by cmd/mark5xferd when
// -metrics-addr is set.
package metricsexport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jive-vlbi/mark5xfer/internal/stats"
)

// Collector adapts a stats.Registry into a prometheus.Collector, exporting
// one bytes-counter and one packets-counter per step name, plus the
// udps-specific loss/reorder/discard counters.
type Collector struct {
	reg *stats.Registry

	bytesDesc   *prometheus.Desc
	packetsDesc *prometheus.Desc
	pktInDesc   *prometheus.Desc
	pktLostDesc *prometheus.Desc
	pktOOODesc  *prometheus.Desc
	pktDiscDesc *prometheus.Desc
}

// NewCollector constructs a Collector over reg. reg must outlive the
// Collector.
func NewCollector(reg *stats.Registry) *Collector {
	return &Collector{
		reg: reg,
		bytesDesc: prometheus.NewDesc(
			"mark5xfer_step_bytes_total", "Cumulative bytes moved through a chain step.",
			[]string{"step"}, nil),
		packetsDesc: prometheus.NewDesc(
			"mark5xfer_step_packets_total", "Cumulative packets/frames moved through a chain step.",
			[]string{"step"}, nil),
		pktInDesc: prometheus.NewDesc(
			"mark5xfer_udps_packets_in_total", "UDPS datagrams received.", nil, nil),
		pktLostDesc: prometheus.NewDesc(
			"mark5xfer_udps_packets_lost_total", "UDPS datagrams presumed lost.", nil, nil),
		pktOOODesc: prometheus.NewDesc(
			"mark5xfer_udps_packets_out_of_order_total", "UDPS datagrams received out of sequence order.", nil, nil),
		pktDiscDesc: prometheus.NewDesc(
			"mark5xfer_udps_packets_discarded_total", "UDPS datagrams discarded as late (at most one block behind) or too short for a sequence number.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.bytesDesc
	descs <- c.packetsDesc
	descs <- c.pktInDesc
	descs <- c.pktLostDesc
	descs <- c.pktOOODesc
	descs <- c.pktDiscDesc
}

// Collect implements prometheus.Collector, snapshotting the registry fresh
// on every scrape so concurrent stage writers never block a Prometheus
// pull.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	snap := c.reg.Raw()
	for name, n := range snap.Bytes {
		metrics <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(n), name)
	}
	for name, n := range snap.Packets {
		metrics <- prometheus.MustNewConstMetric(c.packetsDesc, prometheus.CounterValue, float64(n), name)
	}
	metrics <- prometheus.MustNewConstMetric(c.pktInDesc, prometheus.CounterValue, float64(snap.PktIn))
	metrics <- prometheus.MustNewConstMetric(c.pktLostDesc, prometheus.CounterValue, float64(snap.PktLost))
	metrics <- prometheus.MustNewConstMetric(c.pktOOODesc, prometheus.CounterValue, float64(snap.PktOOO))
	metrics <- prometheus.MustNewConstMetric(c.pktDiscDesc, prometheus.CounterValue, float64(snap.PktDisc))
}

// Handler returns an http.Handler serving reg's metrics in Prometheus
// exposition format, registered against a private registry so this
// package never touches prometheus's global DefaultRegisterer.
func Handler(reg *stats.Registry) http.Handler {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(NewCollector(reg))
	return promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
}
