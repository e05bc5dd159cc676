package processor

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/testutil/memstore"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/resolver"
	"github.com/Ramsey-B/clover/pkg/validation"
)

func newProcessor(t *testing.T) (*ObservationProcessor, *memstore.Store) {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	store := memstore.New()
	norm := normalizers.New("US")
	res := resolver.New(store.Persons(), store.Claims(), store, norm, events.Nop{}, logger)
	return NewObservationProcessor(logger, res, validation.New(norm)), store
}

func message(t *testing.T, value string) *kafka.IncomingMessage {
	t.Helper()
	msg := &kafka.IncomingMessage{Value: []byte(value)}
	require.NoError(t, msg.ParseEnvelope())
	return msg
}

func TestProcessMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("links every observation of an envelope to one person", func(t *testing.T) {
		p, store := newProcessor(t)
		msg := message(t, `{"source":"contacts","display_name":"Ada Lovelace","observations":[
			{"kind":"email","value":"Ada@Example.com"},
			{"kind":"email","value":"ada@example.com","source":"email"}
		]}`)

		require.NoError(t, p.ProcessMessage(ctx, msg))

		persons, claims, _ := store.Counts()
		assert.Equal(t, 1, persons)
		assert.Equal(t, 2, claims)
	})

	t.Run("replaying a message changes nothing", func(t *testing.T) {
		p, store := newProcessor(t)
		value := `{"source":"imessage","kind":"phone","value":"(415) 555-2671"}`

		require.NoError(t, p.ProcessMessage(ctx, message(t, value)))
		require.NoError(t, p.ProcessMessage(ctx, message(t, value)))

		persons, claims, _ := store.Counts()
		assert.Equal(t, 1, persons)
		assert.Equal(t, 1, claims)
	})

	t.Run("skips a bad observation and keeps the rest", func(t *testing.T) {
		p, store := newProcessor(t)
		msg := message(t, `{"source":"contacts","observations":[
			{"kind":"fax","value":"123"},
			{"kind":"email","value":"ok@example.com","confidence":7},
			{"kind":"email","value":"bob@example.com"}
		]}`)

		require.NoError(t, p.ProcessMessage(ctx, msg))

		persons, claims, _ := store.Counts()
		assert.Equal(t, 1, persons)
		assert.Equal(t, 1, claims)
		assert.Equal(t, "bob@example.com", store.AllClaims()[0].Canonical)
	})

	t.Run("storage failures are returned for redelivery", func(t *testing.T) {
		p, store := newProcessor(t)
		store.FailOn("persons.Create", clerrors.NewStorageError(nil, "connection reset"))

		err := p.ProcessMessage(ctx, message(t, `{"source":"email","kind":"email","value":"x@example.com"}`))
		assert.True(t, clerrors.IsStorage(err))
	})

	t.Run("unparsed malformed messages are dropped", func(t *testing.T) {
		p, _ := newProcessor(t)
		assert.NoError(t, p.ProcessMessage(ctx, &kafka.IncomingMessage{Value: []byte(`[1,2]`)}))
	})
}
