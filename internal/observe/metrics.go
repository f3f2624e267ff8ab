// Package observe holds the OpenTelemetry metric instruments of the voice
// transport.
//
// Components accept an optional *Metrics; every Record method is a no-op on a
// nil receiver so callers never need to guard them. Tests should build their
// own instance with NewMetrics and an SDK ManualReader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/glizzus/soundwire"

// Metrics holds all metric instruments for the transport.
type Metrics struct {
	// PacketsSent counts audio datagrams handed to the socket. Attributes:
	//   attribute.String("suite", ...)
	PacketsSent metric.Int64Counter

	// BytesSent counts datagram bytes written, audio and keepalive alike.
	BytesSent metric.Int64Counter

	// SendErrors counts failed writes. Attributes:
	//   attribute.String("source", "audio"|"keepalive")
	SendErrors metric.Int64Counter

	// Keepalives counts keepalive datagrams sent.
	Keepalives metric.Int64Counter

	// TickLateness tracks how far behind its absolute deadline a scheduler
	// job started. Attributes:
	//   attribute.String("job", ...)
	TickLateness metric.Float64Histogram

	// ActiveSessions tracks live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Jobs counts play jobs by outcome. Attributes:
	//   attribute.String("status", ...)
	Jobs metric.Int64Counter
}

// latenessBuckets are in seconds and centred on the 20ms frame budget.
var latenessBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.04, 0.1, 0.25,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PacketsSent, err = m.Int64Counter("soundwire.rtp.packets_sent",
		metric.WithDescription("Encrypted audio datagrams sent."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("soundwire.udp.bytes_sent",
		metric.WithDescription("Bytes written to voice sockets."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("soundwire.udp.send_errors",
		metric.WithDescription("Datagram writes that failed, by source."),
	); err != nil {
		return nil, err
	}
	if met.Keepalives, err = m.Int64Counter("soundwire.heartbeat.sent",
		metric.WithDescription("Keepalive datagrams sent."),
	); err != nil {
		return nil, err
	}
	if met.TickLateness, err = m.Float64Histogram("soundwire.schedule.tick_lateness",
		metric.WithDescription("Delay between a job's deadline and its start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latenessBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("soundwire.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("soundwire.worker.jobs",
		metric.WithDescription("Play jobs processed, by status."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide instance built from the global
// meter provider. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordPacket records one audio datagram of n bytes sealed with suite.
func (m *Metrics) RecordPacket(ctx context.Context, suite string, n int) {
	if m == nil {
		return
	}
	m.PacketsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("suite", suite)))
	m.BytesSent.Add(ctx, int64(n))
}

// RecordKeepalive records one keepalive datagram of n bytes.
func (m *Metrics) RecordKeepalive(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.Keepalives.Add(ctx, 1)
	m.BytesSent.Add(ctx, int64(n))
}

// RecordSendError records a failed write from source.
func (m *Metrics) RecordSendError(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.SendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordTickLateness records how late job started relative to its deadline.
func (m *Metrics) RecordTickLateness(ctx context.Context, job string, late time.Duration) {
	if m == nil {
		return
	}
	if late < 0 {
		late = 0
	}
	m.TickLateness.Record(ctx, late.Seconds(), metric.WithAttributes(attribute.String("job", job)))
}

// SessionOpened and SessionClosed move the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

// RecordJob records the outcome of one play job.
func (m *Metrics) RecordJob(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
