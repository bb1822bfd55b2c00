// Package metrics keeps transfer statistics for the network backend and
// exposes them as Prometheus collectors.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace  = "netblock"
	subsystemTransfer = "transfer"
)

// TransferCollector counts what a device session moves over the wire. All
// methods are safe on a nil collector, which records nothing.
type TransferCollector struct {
	registry *prometheus.Registry

	packetsSent      prometheus.Counter
	packetsResent    prometheus.Counter
	retransmitRounds prometheus.Counter
	bytesRead        prometheus.Counter
	bytesWritten     prometheus.Counter
	serverErrors     prometheus.Counter
	quickPackets     prometheus.Gauge
}

// NewTransferCollector creates a collector on its own registry.
func NewTransferCollector(namespace string) *TransferCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      name,
			Help:      help,
		})
	}

	c := &TransferCollector{
		registry:         prometheus.NewRegistry(),
		packetsSent:      counter("packets_sent_total", "Datagrams sent on the data channel."),
		packetsResent:    counter("packets_resent_total", "Datagrams sent again after a retransmission request."),
		retransmitRounds: counter("retransmit_rounds_total", "Write status replies that carried a bitmask."),
		bytesRead:        counter("bytes_read_total", "Sector bytes read from the device."),
		bytesWritten:     counter("bytes_written_total", "Sector bytes written to the device."),
		serverErrors:     counter("server_errors_total", "Operations the remote agent reported as failed."),
		quickPackets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "quick_packets",
			Help:      "Datagrams sent between pacing pauses.",
		}),
	}
	c.registry.MustRegister(
		c.packetsSent,
		c.packetsResent,
		c.retransmitRounds,
		c.bytesRead,
		c.bytesWritten,
		c.serverErrors,
		c.quickPackets,
	)
	return c
}

// Registry returns the prometheus registry managed by this collector.
func (c *TransferCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObservePacket records one datagram. resend marks datagrams sent after the
// agent asked for them again.
func (c *TransferCollector) ObservePacket(resend bool) {
	if c == nil {
		return
	}
	c.packetsSent.Inc()
	if resend {
		c.packetsResent.Inc()
	}
}

func (c *TransferCollector) ObserveRetransmitRound() {
	if c == nil {
		return
	}
	c.retransmitRounds.Inc()
}

func (c *TransferCollector) ObserveRead(bytes int) {
	if c == nil || bytes <= 0 {
		return
	}
	c.bytesRead.Add(float64(bytes))
}

func (c *TransferCollector) ObserveWrite(bytes int) {
	if c == nil || bytes <= 0 {
		return
	}
	c.bytesWritten.Add(float64(bytes))
}

func (c *TransferCollector) ObserveServerError() {
	if c == nil {
		return
	}
	c.serverErrors.Inc()
}

func (c *TransferCollector) SetQuickPackets(n int) {
	if c == nil {
		return
	}
	c.quickPackets.Set(float64(n))
}
