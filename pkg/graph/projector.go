package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SinkName is the label the projector reports to the emitter.
const SinkName = "graph"

// Statement is one parameterized Cypher query.
type Statement struct {
	Cypher string
	Params map[string]any
}

type Writer interface {
	ExecuteWrite(ctx context.Context, stmts []Statement) error
}

// Identity nodes are shared by every person claiming the same (kind, canonical). Sources live on the CLAIMS edge.
const (
	upsertPerson = `
		MERGE (p:Person {id: $id})
		SET p.display_name = $display_name, p.updated_at = $ts`

	upsertClaim = `
		MERGE (p:Person {id: $person_id})
		MERGE (i:Identity {kind: $kind, canonical: $canonical})
		MERGE (p)-[r:CLAIMS {claim_id: $claim_id}]->(i)
		SET r.source = $source, r.value = $value, r.confidence = $confidence, r.last_seen = $last_seen`

	// An update may change the identity itself, so any edge with this claim id to another node goes.
	dropStaleClaim = `
		MATCH (:Person {id: $person_id})-[r:CLAIMS {claim_id: $claim_id}]->(i:Identity)
		WHERE i.kind <> $kind OR i.canonical <> $canonical
		DELETE r`

	removeClaim = `
		MATCH (:Person)-[r:CLAIMS {claim_id: $claim_id}]->(:Identity)
		DELETE r`

	mergePersons = `
		MERGE (s:Person {id: $from_id})
		MERGE (t:Person {id: $to_id})
		MERGE (s)-[m:MERGED_INTO]->(t)
		SET m.actor = $actor, m.merged_at = $ts, s.merged_into = $to_id`

	moveClaims = `
		MATCH (s:Person {id: $from_id})-[r:CLAIMS]->(i:Identity)
		MATCH (t:Person {id: $to_id})
		MERGE (t)-[moved:CLAIMS {claim_id: r.claim_id}]->(i)
		SET moved.source = r.source, moved.value = r.value, moved.confidence = r.confidence, moved.last_seen = r.last_seen
		DELETE r`
)

// Projector mirrors committed changes into the graph. It is an events.Sink.
type Projector struct {
	writer Writer
	logger ectologger.Logger
}

func NewProjector(writer Writer, logger ectologger.Logger) *Projector {
	return &Projector{
		writer: writer,
		logger: logger,
	}
}

func (p *Projector) Name() string {
	return SinkName
}

func (p *Projector) Handle(ctx context.Context, evts []events.Event) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.Handle")
	defer span.End()

	var stmts []Statement
	for _, evt := range evts {
		stmts = append(stmts, statementsFor(evt)...)
	}
	if len(stmts) == 0 {
		return nil
	}

	if err := p.writer.ExecuteWrite(ctx, stmts); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"events":     len(evts),
			"statements": len(stmts),
		}).Error("Failed to project events into graph")
		return fmt.Errorf("failed to project events into graph: %w", err)
	}
	return nil
}

func statementsFor(evt events.Event) []Statement {
	ts := evt.Timestamp.UTC().Format(time.RFC3339Nano)

	switch evt.Type {
	case events.PersonCreated, events.PersonUpdated:
		if evt.Person == nil {
			return nil
		}
		return []Statement{{Cypher: upsertPerson, Params: map[string]any{
			"id":           evt.Person.ID,
			"display_name": evt.Person.DisplayName,
			"ts":           ts,
		}}}

	case events.ClaimCreated, events.ClaimUpdated:
		c := evt.Claim
		if c == nil {
			return nil
		}
		params := map[string]any{
			"person_id":  c.PersonID,
			"claim_id":   c.ID,
			"kind":       c.Kind,
			"canonical":  c.Canonical,
			"source":     c.Source,
			"value":      c.Value,
			"confidence": c.Confidence,
			"last_seen":  c.LastSeen.UTC().Format(time.RFC3339Nano),
		}
		out := []Statement{}
		if evt.Type == events.ClaimUpdated {
			out = append(out, Statement{Cypher: dropStaleClaim, Params: params})
		}
		return append(out, Statement{Cypher: upsertClaim, Params: params})

	case events.ClaimRemoved:
		if evt.Claim == nil {
			return nil
		}
		return []Statement{{Cypher: removeClaim, Params: map[string]any{"claim_id": evt.Claim.ID}}}

	case events.PersonMerged:
		params := map[string]any{
			"from_id": evt.FromPersonID,
			"to_id":   evt.PersonID,
			"actor":   evt.Actor,
			"ts":      ts,
		}
		return []Statement{
			{Cypher: mergePersons, Params: params},
			{Cypher: moveClaims, Params: params},
		}
	}
	return nil
}
