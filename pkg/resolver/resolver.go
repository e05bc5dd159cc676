// Package resolver matches identity observations to persons, creating persons on first sight.
package resolver

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// matchWeight makes the number of matching claims dominate the summed confidence when ranking candidates.
const matchWeight = 1000

const (
	nameCandidateLimit = 25
	maxMergeHops       = 10
)

type PersonStore interface {
	Create(ctx context.Context, p *models.Person) error
	Get(ctx context.Context, id string) (*models.Person, error)
	GetMany(ctx context.Context, ids []string) ([]*models.Person, error)
	SearchByDisplayName(ctx context.Context, q string, limit int) ([]*models.Person, error)
	UpdateDisplayName(ctx context.Context, id, name string) error
}

type ClaimStore interface {
	LockIdentities(ctx context.Context, keys []models.IdentityKey) error
	FindMatches(ctx context.Context, keys []models.IdentityKey, sources []string) ([]*models.IdentityClaim, error)
	FindByIdentity(ctx context.Context, kind, canonical, source string) ([]*models.IdentityClaim, error)
	SearchDisplayNames(ctx context.Context, q string, limit int) ([]*models.IdentityClaim, error)
	Insert(ctx context.Context, c *models.IdentityClaim) error
	Upsert(ctx context.Context, c *models.IdentityClaim) (bool, error)
	TouchLastSeen(ctx context.Context, claimIDs []string, at time.Time) error
}

type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Resolver struct {
	persons    PersonStore
	claims     ClaimStore
	tx         TxRunner
	normalizer *normalizers.Normalizer
	publisher  events.Publisher
	logger     ectologger.Logger
}

func New(persons PersonStore, claims ClaimStore, tx TxRunner, normalizer *normalizers.Normalizer, publisher events.Publisher, logger ectologger.Logger) *Resolver {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Resolver{
		persons:    persons,
		claims:     claims,
		tx:         tx,
		normalizer: normalizer,
		publisher:  publisher,
		logger:     logger,
	}
}

// observed is an observation with its kind and canonical value settled.
type observed struct {
	models.Observation
	kind      string
	canonical string
}

// prepare settles kind and canonical for each observation. Observations without a usable canonical
// value are dropped; an unknown kind rejects the whole batch.
func (r *Resolver) prepare(ctx context.Context, observations []models.Observation) ([]observed, error) {
	out := make([]observed, 0, len(observations))
	for _, o := range observations {
		value := strings.TrimSpace(o.Value)
		if value == "" {
			continue
		}
		if strings.TrimSpace(o.Source) == "" {
			return nil, clerrors.NewValidationError("source", "observation source is required")
		}

		kind := strings.ToLower(strings.TrimSpace(o.Kind))
		if kind == "" {
			kind = string(r.normalizer.InferKind(value))
		}
		if kind == string(models.KindName) {
			kind = string(models.KindDisplayName)
		}
		if !models.IdentityKind(kind).IsAllowed() {
			return nil, clerrors.NewValidationError("kind", "invalid identity kind '%s'", kind).WithConstraint("identity_kind")
		}

		canonical := o.Canonical
		if canonical == "" {
			canonical = r.normalizer.Normalize(value, kind)
		}
		if canonical == "" {
			r.logger.WithContext(ctx).WithFields(map[string]any{"kind": kind, "source": o.Source}).Debug("Skipping observation without a usable canonical value")
			continue
		}

		o.Value = value
		out = append(out, observed{Observation: o, kind: kind, canonical: canonical})
	}
	return out, nil
}

func keysOf(obs []observed) []models.IdentityKey {
	keys := make([]models.IdentityKey, 0, len(obs))
	for _, o := range obs {
		keys = append(keys, models.IdentityKey{Kind: o.kind, Canonical: o.canonical})
	}
	return keys
}

// candidate is a person ranked by the claims that matched the batch.
type candidate struct {
	personID   string
	count      int
	confidence float64
	claimIDs   []string
}

func (c candidate) score() float64 {
	return float64(c.count)*matchWeight + c.confidence
}

// rank groups matching claims by person and returns the best candidate. Ties go to the person
// whose first matching claim came back first.
func rank(matches []*models.IdentityClaim) *candidate {
	byPerson := map[string]*candidate{}
	order := []string{}
	for _, m := range matches {
		c, ok := byPerson[m.PersonID]
		if !ok {
			c = &candidate{personID: m.PersonID}
			byPerson[m.PersonID] = c
			order = append(order, m.PersonID)
		}
		c.count++
		c.confidence += m.Confidence
		c.claimIDs = append(c.claimIDs, m.ID)
	}

	var best *candidate
	for _, id := range order {
		c := byPerson[id]
		if best == nil || c.score() > best.score() {
			best = c
		}
	}
	return best
}

// LinkOrCreate finds the person best matching the observations or creates one. The whole decision runs
// in one transaction holding an advisory lock per identity, so concurrent first sightings of the same
// identity resolve to a single person.
func (r *Resolver) LinkOrCreate(ctx context.Context, observations []models.Observation, opts models.LinkOptions) (*models.LinkResult, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.LinkOrCreate")
	defer span.End()

	start := time.Now()
	obs, err := r.prepare(ctx, observations)
	if err != nil {
		metrics.RecordResolution("error", time.Since(start).Seconds())
		return nil, err
	}
	if len(obs) == 0 {
		metrics.RecordResolution("error", time.Since(start).Seconds())
		return nil, clerrors.NewValidationError("value", "no observation has a usable identity value")
	}

	var result *models.LinkResult
	var created []*models.IdentityClaim
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		result, created, err = r.linkOrCreate(ctx, obs, opts)
		return err
	})
	if err != nil {
		if clerrors.IsConflict(err) {
			metrics.RecordConflict("commit")
		}
		metrics.RecordResolution("error", time.Since(start).Seconds())
		return nil, err
	}

	outcome := "matched"
	if result.IsNew {
		outcome = "created"
		r.publishCreated(ctx, result.Person, created)
	}
	metrics.RecordResolution(outcome, time.Since(start).Seconds())

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"person_id":   result.Person.ID,
		"is_new":      result.IsNew,
		"match_count": result.MatchCount,
	}).Debug("Resolved observations")

	return result, nil
}

func (r *Resolver) linkOrCreate(ctx context.Context, obs []observed, opts models.LinkOptions) (*models.LinkResult, []*models.IdentityClaim, error) {
	keys := keysOf(obs)
	if err := r.claims.LockIdentities(ctx, keys); err != nil {
		return nil, nil, err
	}

	matches, err := r.claims.FindMatches(ctx, keys, opts.AllowedSources)
	if err != nil {
		return nil, nil, err
	}

	if best := rank(matches); best != nil {
		person, err := r.persons.Get(ctx, best.personID)
		if err != nil {
			return nil, nil, err
		}
		if err := r.claims.TouchLastSeen(ctx, best.claimIDs, time.Now().UTC()); err != nil {
			return nil, nil, err
		}

		hint := strings.TrimSpace(opts.DisplayNameHint)
		if hint != "" && person.HasPlaceholderName() {
			if err := r.persons.UpdateDisplayName(ctx, person.ID, hint); err != nil {
				return nil, nil, err
			}
			person.DisplayName = hint
		}
		return &models.LinkResult{Person: person, MatchCount: best.count}, nil, nil
	}

	person, claims, err := r.create(ctx, obs, opts)
	if err != nil {
		return nil, nil, err
	}
	return &models.LinkResult{Person: person, IsNew: true}, claims, nil
}

// create inserts a person with one claim per distinct (source, canonical) in the batch.
func (r *Resolver) create(ctx context.Context, obs []observed, opts models.LinkOptions) (*models.Person, []*models.IdentityClaim, error) {
	name := strings.TrimSpace(opts.DisplayNameHint)
	if name == "" {
		name = models.UnknownDisplayName
	}
	extra := opts.Extra
	if extra == nil {
		extra = map[string]any{}
	}

	person := &models.Person{
		DisplayName: name,
		Extra:       database.NewJSONB(extra),
	}
	if err := r.persons.Create(ctx, person); err != nil {
		return nil, nil, err
	}

	type slot struct{ source, canonical string }
	seen := map[slot]struct{}{}
	claims := make([]*models.IdentityClaim, 0, len(obs))
	for _, o := range obs {
		s := slot{o.Source, o.canonical}
		if _, dup := seen[s]; dup {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"source": o.Source,
				"kind":   o.kind,
			}).Debug("Duplicate identity in batch, skipping")
			continue
		}
		seen[s] = struct{}{}

		claim := &models.IdentityClaim{
			PersonID:   person.ID,
			Source:     o.Source,
			Kind:       o.kind,
			Value:      o.Value,
			Canonical:  o.canonical,
			Confidence: o.ConfidenceOr(models.DefaultObservedConfidence),
			Extra:      database.NewJSONB(o.Extra),
		}
		if err := r.claims.Insert(ctx, claim); err != nil {
			return nil, nil, err
		}
		claims = append(claims, claim)
	}
	return person, claims, nil
}

// Observe is the ingestion path: resolve the owning person, then insert the claim or refresh the
// existing one for (person, source, canonical).
func (r *Resolver) Observe(ctx context.Context, o models.Observation) (*models.ObserveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Observe")
	defer span.End()

	obs, err := r.prepare(ctx, []models.Observation{o})
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, clerrors.NewValidationError("value", "observation value '%s' has no usable %s identity", o.Value, o.Kind)
	}
	ob := obs[0]

	hint := o.DisplayName
	if hint == "" {
		hint = ob.Value
	}
	extra := map[string]any{models.MetaSource: ob.Source}

	var result *models.ObserveResult
	var created []*models.IdentityClaim
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		link, claims, err := r.linkOrCreate(ctx, obs, models.LinkOptions{DisplayNameHint: hint, Extra: extra})
		if err != nil {
			return err
		}
		created = claims

		claim := &models.IdentityClaim{
			PersonID:   link.Person.ID,
			Source:     ob.Source,
			Kind:       ob.kind,
			Value:      ob.Value,
			Canonical:  ob.canonical,
			Confidence: ob.ConfidenceOr(models.DefaultObservedConfidence),
			Extra:      database.NewJSONB(ob.Extra),
		}
		if claim.Extra.Data == nil {
			claim.Extra = database.NewJSONB(map[string]any{})
		}
		inserted, err := r.claims.Upsert(ctx, claim)
		if err != nil {
			return err
		}
		result = &models.ObserveResult{
			Person:       link.Person,
			Claim:        claim,
			PersonIsNew:  link.IsNew,
			ClaimCreated: inserted || link.IsNew,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case result.PersonIsNew:
		r.publishCreated(ctx, result.Person, created)
	case result.ClaimCreated:
		r.publisher.Emit(ctx, events.Event{Type: events.ClaimCreated, PersonID: result.Person.ID, Claim: result.Claim})
	default:
		r.publisher.Emit(ctx, events.Event{Type: events.ClaimUpdated, PersonID: result.Person.ID, Claim: result.Claim})
	}
	return result, nil
}

func (r *Resolver) publishCreated(ctx context.Context, person *models.Person, claims []*models.IdentityClaim) {
	evts := make([]events.Event, 0, len(claims)+1)
	evts = append(evts, events.Event{Type: events.PersonCreated, PersonID: person.ID, Person: person})
	for _, c := range claims {
		evts = append(evts, events.Event{Type: events.ClaimCreated, PersonID: person.ID, Claim: c})
	}
	r.publisher.Emit(ctx, evts...)
}

// ResolveSelector returns the person identified by the strongest populated selector field.
func (r *Resolver) ResolveSelector(ctx context.Context, sel models.Selector) (*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.ResolveSelector")
	defer span.End()

	if sel.IsEmpty() {
		return nil, clerrors.NewValidationError("selector", "selector has no populated field")
	}

	if id := strings.TrimSpace(sel.ID); id != "" {
		p, err := r.followMerges(ctx, id)
		if err == nil {
			return p, nil
		}
		if !clerrors.IsNotFound(err) {
			return nil, err
		}
	}

	for _, f := range sel.IdentityFields() {
		if strings.TrimSpace(f.Value) == "" {
			continue
		}
		canonical := r.normalizer.Normalize(f.Value, string(f.Kind))
		if canonical == "" {
			continue
		}
		claims, err := r.claims.FindByIdentity(ctx, string(f.Kind), canonical, "")
		if err != nil {
			return nil, err
		}
		if len(claims) > 0 {
			return r.persons.Get(ctx, claims[0].PersonID)
		}
	}

	if name := strings.TrimSpace(sel.Name); name != "" {
		p, err := r.resolveName(ctx, name)
		if err != nil || p != nil {
			return p, err
		}
	}

	return nil, clerrors.NewNotFoundError("no person matches the selector")
}

// followMerges loads id and follows merged_into markers to the surviving person.
func (r *Resolver) followMerges(ctx context.Context, id string) (*models.Person, error) {
	p, err := r.persons.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for hops := 0; p.IsMerged() && hops < maxMergeHops; hops++ {
		next, err := r.persons.Get(ctx, p.MergedInto())
		if err != nil {
			if clerrors.IsNotFound(err) {
				return p, nil
			}
			return nil, err
		}
		p = next
	}
	return p, nil
}

// resolveName tries person display names, then display_name claims. Candidates from each stage are
// ranked by fuzzy distance to the query so the closest name wins over the oldest. An absorbed hit
// resolves to its survivor.
func (r *Resolver) resolveName(ctx context.Context, name string) (*models.Person, error) {
	normalized := normalizers.NormalizeName(name)
	if normalized == "" {
		return nil, nil
	}

	persons, err := r.persons.SearchByDisplayName(ctx, name, nameCandidateLimit)
	if err != nil {
		return nil, err
	}
	if len(persons) > 0 {
		names := make([]string, len(persons))
		for i, p := range persons {
			names[i] = normalizers.NormalizeName(p.DisplayName)
		}
		return r.followMerges(ctx, persons[closest(normalized, names)].ID)
	}

	claims, err := r.claims.SearchDisplayNames(ctx, normalized, nameCandidateLimit)
	if err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return nil, nil
	}
	names := make([]string, len(claims))
	for i, c := range claims {
		names[i] = c.Canonical
	}
	return r.followMerges(ctx, claims[closest(normalized, names)].PersonID)
}

// closest returns the index of the target nearest to q, preferring earlier targets on ties.
func closest(q string, targets []string) int {
	ranks := fuzzy.RankFindNormalizedFold(q, targets)
	if len(ranks) == 0 {
		return 0
	}
	sort.SliceStable(ranks, func(i, j int) bool {
		if ranks[i].Distance != ranks[j].Distance {
			return ranks[i].Distance < ranks[j].Distance
		}
		return ranks[i].OriginalIndex < ranks[j].OriginalIndex
	})
	return ranks[0].OriginalIndex
}

// FindPersonsByIdentity returns every distinct person holding a claim on (kind, value), optionally
// restricted to one source.
func (r *Resolver) FindPersonsByIdentity(ctx context.Context, kind, value, source string) ([]*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.FindPersonsByIdentity")
	defer span.End()

	k := strings.ToLower(strings.TrimSpace(kind))
	if !models.IdentityKind(k).IsAllowed() {
		return nil, clerrors.NewValidationError("kind", "invalid identity kind '%s'", kind).WithConstraint("identity_kind")
	}
	canonical := r.normalizer.Normalize(value, k)
	if canonical == "" {
		return nil, nil
	}

	claims, err := r.claims.FindByIdentity(ctx, k, canonical, source)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	ids := make([]string, 0, len(claims))
	for _, c := range claims {
		if _, ok := seen[c.PersonID]; ok {
			continue
		}
		seen[c.PersonID] = struct{}{}
		ids = append(ids, c.PersonID)
	}
	return r.persons.GetMany(ctx, ids)
}
