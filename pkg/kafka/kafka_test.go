package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
)

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestProducerHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("keys by person and tags the event type", func(t *testing.T) {
		w := &fakeWriter{}
		p := newProducer(w, "person-events", silentLogger())
		assert.Equal(t, "kafka", p.Name())

		err := p.Handle(ctx, []events.Event{
			{Type: events.PersonCreated, PersonID: "p1", Person: &models.Person{ID: "p1", DisplayName: "Ada"}},
			{Type: events.ClaimCreated, PersonID: "p1", Claim: &models.IdentityClaim{ID: "c1", PersonID: "p1"}},
		})
		require.NoError(t, err)
		require.Len(t, w.msgs, 2)

		assert.Equal(t, "p1", string(w.msgs[0].Key))
		assert.Equal(t, "person.created", header(w.msgs[0], "event_type"))
		assert.Equal(t, events.SchemaVersion, header(w.msgs[0], "schema_version"))
		assert.Equal(t, "claim.created", header(w.msgs[1], "event_type"))

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
		assert.Equal(t, "person.created", decoded["event_type"])
		assert.Equal(t, "p1", decoded["person_id"])
	})

	t.Run("surfaces write failures", func(t *testing.T) {
		w := &fakeWriter{err: errors.New("broker down")}
		p := newProducer(w, "person-events", silentLogger())
		err := p.Handle(ctx, []events.Event{{Type: events.PersonMerged, PersonID: "p2"}})
		assert.ErrorContains(t, err, "broker down")
	})
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    []models.Observation
		wantErr bool
	}{
		{
			name:  "envelope defaults fill empty fields",
			value: `{"source":"contacts","display_name":"Ada","observations":[{"kind":"email","value":"ada@x.com"},{"source":"imessage","value":"+15551234567","display_name":"A"}]}`,
			want: []models.Observation{
				{Source: "contacts", Kind: "email", Value: "ada@x.com", DisplayName: "Ada"},
				{Source: "imessage", Value: "+15551234567", DisplayName: "A"},
			},
		},
		{
			name:  "bare observation",
			value: `{"source":"email","kind":"email","value":"bob@x.com"}`,
			want:  []models.Observation{{Source: "email", Kind: "email", Value: "bob@x.com"}},
		},
		{name: "empty list", value: `{"source":"contacts","observations":[]}`, wantErr: true},
		{name: "no value", value: `{"source":"contacts"}`, wantErr: true},
		{name: "not json", value: `nope`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &IncomingMessage{Value: []byte(tt.value)}
			err := msg.ParseEnvelope()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Envelope.Observations)
		})
	}
}

func TestConsumerProcessMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("commits handled and malformed records but not failed ones", func(t *testing.T) {
		r := &fakeReader{}
		var handled []string
		c := newConsumer(r, "identity-observations", func(_ context.Context, msg *IncomingMessage) error {
			obs := msg.Envelope.Observations[0]
			handled = append(handled, obs.Value)
			if obs.Value == "fail@x.com" {
				return errors.New("database unavailable")
			}
			return nil
		}, silentLogger())

		c.processMessage(ctx, kafka.Message{Offset: 1, Value: []byte(`{"source":"email","value":"ok@x.com"}`)})
		c.processMessage(ctx, kafka.Message{Offset: 2, Value: []byte(`{{{`)})
		c.processMessage(ctx, kafka.Message{Offset: 3, Value: []byte(`{"source":"email","value":"fail@x.com"}`)})

		assert.Equal(t, []string{"ok@x.com", "fail@x.com"}, handled)
		assert.Equal(t, []int64{1, 2}, r.committed)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		r := &fakeReader{}
		c := newConsumer(r, "identity-observations", func(context.Context, *IncomingMessage) error { return nil }, silentLogger())
		require.NoError(t, c.Start(ctx))
		require.NoError(t, c.Stop())
		assert.True(t, c.Health())
	})
}
