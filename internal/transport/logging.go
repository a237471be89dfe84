package transport

import (
	"go.uber.org/zap"

	"emgscope/internal/log"
)

// LoggingTransport implements the Transport interface by logging data at
// debug level. It is used when no network transport is configured.
type LoggingTransport struct {
	logger *zap.Logger
}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport() *LoggingTransport {
	log.Infof("Transport: Using LoggingTransport")
	return &LoggingTransport{logger: log.With(zap.String("component", "transport"))}
}

// Send logs the message type and payload.
func (lt *LoggingTransport) Send(data any) error {
	if ce := lt.logger.Check(zap.DebugLevel, "[transport] send"); ce != nil {
		ce.Write(zap.String("kind", kindOf(data)), zap.Any("data", data))
	}
	return nil // Logging transport never fails to "send"
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	lt.logger.Debug("[transport] close")
	return nil
}

func kindOf(data any) string {
	switch v := data.(type) {
	case DataMessage:
		return v.Type
	case StatusMessage:
		return v.Type
	case map[string]any:
		if s, ok := v["type"].(string); ok {
			return s
		}
	}
	return "unknown"
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
