package network

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	bufferedDesc = prometheus.NewDesc(
		prometheus.BuildFQName("netsync", "network", "read_buffered_bytes"),
		"Inbound bytes waiting for a complete record", []string{"link"}, nil)
	writeBatchDesc = prometheus.NewDesc(
		prometheus.BuildFQName("netsync", "network", "write_batch_bytes"),
		"Average size of one socket write", []string{"link"}, nil)
	linksDesc = prometheus.NewDesc(
		prometheus.BuildFQName("netsync", "network", "links"),
		"Established streams", nil, nil)
)

// Collector exports per-stream buffer state of a stream transport.
type Collector struct {
	tr *Transport
}

func NewCollector(tr *Transport) *Collector {
	return &Collector{tr: tr}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bufferedDesc
	ch <- writeBatchDesc
	ch <- linksDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.tr.Stats()
	for name, s := range stats {
		ch <- prometheus.MustNewConstMetric(bufferedDesc, prometheus.GaugeValue, float64(s.Buffered), name)
		ch <- prometheus.MustNewConstMetric(writeBatchDesc, prometheus.GaugeValue, s.WriteBatch, name)
	}
	ch <- prometheus.MustNewConstMetric(linksDesc, prometheus.GaugeValue, float64(len(stats)))
}
