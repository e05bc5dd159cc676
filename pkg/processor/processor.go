// Package processor turns consumed observation messages into identity claims.
package processor

import (
	"context"

	"github.com/Gobusters/ectologger"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type Observer interface {
	Observe(ctx context.Context, o models.Observation) (*models.ObserveResult, error)
}

type StructValidator interface {
	Struct(s any) error
}

// ObservationProcessor runs every observation of an envelope through the ingestion upsert.
// A bad observation is logged and skipped; only storage failures stop the message so it is redelivered.
type ObservationProcessor struct {
	logger    ectologger.Logger
	observer  Observer
	validator StructValidator
}

func NewObservationProcessor(logger ectologger.Logger, observer Observer, validator StructValidator) *ObservationProcessor {
	return &ObservationProcessor{
		logger:    logger,
		observer:  observer,
		validator: validator,
	}
}

// ProcessMessage matches kafka.MessageHandler.
func (p *ObservationProcessor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.ObservationProcessor.ProcessMessage")
	defer span.End()

	if msg.Envelope == nil {
		if err := msg.ParseEnvelope(); err != nil {
			p.logger.WithContext(ctx).WithError(err).Warn("Skipping unreadable observation message")
			metrics.RecordObservation("malformed")
			return nil
		}
	}

	for i, obs := range msg.Envelope.Observations {
		log := p.logger.WithContext(ctx).WithFields(map[string]any{
			"source": obs.Source,
			"kind":   obs.Kind,
			"index":  i,
			"offset": msg.Offset,
		})

		status, err := p.process(ctx, obs)
		metrics.RecordObservation(status)
		if err == nil {
			continue
		}
		if clerrors.IsStorage(err) {
			log.WithError(err).Error("Observation failed on storage")
			return err
		}
		log.WithError(err).Warn("Skipping rejected observation")
	}
	return nil
}

func (p *ObservationProcessor) process(ctx context.Context, obs models.Observation) (string, error) {
	if err := p.validator.Struct(obs); err != nil {
		return "rejected", err
	}

	res, err := p.observer.Observe(ctx, obs)
	switch {
	case err == nil:
	case clerrors.IsConflict(err):
		return "conflict", err
	case clerrors.IsStorage(err):
		return "failed", err
	default:
		return "rejected", err
	}

	if res.PersonIsNew {
		return "created", nil
	}
	return "linked", nil
}
