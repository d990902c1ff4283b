package loom

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricLoomSendDirectCount    = []string{"loom", "send", "direct", "count"}
	MetricLoomSendPostedCount    = []string{"loom", "send", "posted", "count"}
	MetricLoomSendDroppedCount   = []string{"loom", "send", "dropped", "count"}
	MetricLoomMessageInCount     = []string{"loom", "message", "in", "count"}
	MetricLoomMessageFiltered    = []string{"loom", "message", "filtered", "count"}
	MetricLoomWaitReportCount    = []string{"loom", "waitset", "report", "count"}
	MetricLoomWaitCancelCount    = []string{"loom", "waitset", "cancel", "count"}
	MetricLoomWireInBytes        = []string{"loom", "wire", "in", "bytes"}
	MetricLoomWireOutBytes       = []string{"loom", "wire", "out", "bytes"}
	MetricLoomWireErrorCount     = []string{"loom", "wire", "error", "count"}
	MetricLoomWireConnEstCount   = []string{"loom", "wire", "connection", "established", "count"}
	MetricLoomWireConnErrorCount = []string{"loom", "wire", "connection", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeer     TelemetryLabel = "peer"
	LabelHandleID TelemetryLabel = "handle_id"
	LabelResult   TelemetryLabel = "result"
	LabelChannel  TelemetryLabel = "channel"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
