package transport

import "errors"

// Transport defines a generic interface for sending processed data or events.
// Implementations should be thread-safe.
type Transport interface {
	Send(data any) error
	Close() error
}

// Message types sent by the engine. Payloads are JSON-encodable.
const (
	TypeData       = "data"
	TypeFullData   = "full_data"
	TypeConnection = "connection"
	TypePause      = "pause"
	TypeWarning    = "warning"
	TypeBandPower  = "band_power"
	TypeEvent      = "event"
)

// DataMessage carries the processed window of the selected channel.
type DataMessage struct {
	Type    string    `json:"type"`
	Channel int       `json:"channel"`
	Filter  string    `json:"filter"`
	Samples []float32 `json:"samples"`
}

// StatusMessage carries connection, pause and warning notifications.
type StatusMessage struct {
	Type    string `json:"type"`
	State   string `json:"state,omitempty"`
	Paused  *bool  `json:"paused,omitempty"`
	Message string `json:"message,omitempty"`
}

// Fanout sends every message to each of its transports.
type Fanout []Transport

// Send delivers data to all transports and joins their errors.
func (f Fanout) Send(data any) error {
	var errs []error
	for _, t := range f {
		if err := t.Send(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all transports and joins their errors.
func (f Fanout) Close() error {
	var errs []error
	for _, t := range f {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Transport = Fanout(nil)
