package transport

import (
	"github.com/sotto-dev/sotto/internal/observability"
)

// Diagnostics receives fire-and-forget anomaly and traffic reports from
// transports. Implementations must never block the engine.
type Diagnostics interface {
	Anomaly(transportName, reason string)
	MalformedPacket(transportName, channel string)
	ChunksSent(transportName, channel string, n int)
	ChunkReceived(transportName, channel string)
	LiveRemotes(transportName string, n int)
}

// MetricsDiagnostics reports into the process metrics registry.
type MetricsDiagnostics struct{}

func (MetricsDiagnostics) Anomaly(transportName, reason string) {
	observability.RecordAnomaly(transportName, reason)
}

func (MetricsDiagnostics) MalformedPacket(transportName, channel string) {
	observability.RecordMalformedPacket(transportName, channel)
}

func (MetricsDiagnostics) ChunksSent(transportName, channel string, n int) {
	observability.RecordChunksSent(transportName, channel, n)
}

func (MetricsDiagnostics) ChunkReceived(transportName, channel string) {
	observability.RecordChunkReceived(transportName, channel)
}

func (MetricsDiagnostics) LiveRemotes(transportName string, n int) {
	observability.SetLiveRemotes(transportName, n)
}

// NopDiagnostics discards every report. Handy in tests.
type NopDiagnostics struct{}

func (NopDiagnostics) Anomaly(string, string) {}
func (NopDiagnostics) MalformedPacket(string, string) {}
func (NopDiagnostics) ChunksSent(string, string, int) {}
func (NopDiagnostics) ChunkReceived(string, string) {}
func (NopDiagnostics) LiveRemotes(string, int) {}
