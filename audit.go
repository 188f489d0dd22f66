package goIntercept

import (
	"io"

	"github.com/MrEthical07/goIntercept/internal/audit"
	"go.uber.org/zap"
)

// AuditEvent is one audit record. Phones and codes never appear in it.
type AuditEvent = audit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = audit.Sink

type (
	NoOpSink        = audit.NoOpSink
	ChannelSink     = audit.ChannelSink
	JSONWriterSink  = audit.JSONWriterSink
	LoggerAuditSink = audit.LoggerSink
)

func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink writes one JSON object per line.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewLoggerAuditSink writes events through logger, failures at warn level.
func NewLoggerAuditSink(logger *zap.Logger) *LoggerAuditSink {
	return audit.NewLoggerSink(logger)
}
