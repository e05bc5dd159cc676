package kafka

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

var ErrEmptyEnvelope = errors.New("observation envelope carries no observations")

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	Envelope *ObservationEnvelope
}

// ObservationEnvelope is what ingestion adapters publish. Source and DisplayName are defaults
// for observations that leave them empty. A bare observation object is accepted too.
type ObservationEnvelope struct {
	SchemaVersion string               `json:"schema_version,omitempty"`
	Source        string               `json:"source,omitempty"`
	DisplayName   string               `json:"display_name,omitempty"`
	Observations  []models.Observation `json:"observations"`
}

// ParseEnvelope decodes the message value and applies the envelope defaults to each observation.
func (m *IncomingMessage) ParseEnvelope() error {
	var env ObservationEnvelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}

	if env.Observations == nil {
		var single models.Observation
		if err := json.Unmarshal(m.Value, &single); err != nil {
			return err
		}
		if single.Value == "" {
			return ErrEmptyEnvelope
		}
		env.Observations = []models.Observation{single}
	}
	if len(env.Observations) == 0 {
		return ErrEmptyEnvelope
	}

	for i := range env.Observations {
		if env.Observations[i].Source == "" {
			env.Observations[i].Source = env.Source
		}
		if env.Observations[i].DisplayName == "" {
			env.Observations[i].DisplayName = env.DisplayName
		}
	}
	m.Envelope = &env
	return nil
}

// GetSource returns the envelope source, falling back to the source header.
func (m *IncomingMessage) GetSource() string {
	if m.Envelope != nil && m.Envelope.Source != "" {
		return m.Envelope.Source
	}
	return m.Headers["source"]
}
