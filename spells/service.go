// Package spells is the document service over stored spells: CRUD plus
// saving json0 diffs produced by the editor.
package spells

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/internal/broker"
	"github.com/casualjim/grimoire/pkg/metrics"
	"github.com/casualjim/grimoire/pkg/ot"
	"github.com/casualjim/grimoire/pkg/slogx"
	"github.com/casualjim/grimoire/store"
	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
)

var (
	// WithBroker publishes spell change events on the broker's spells topic.
	WithBroker = opts.ForName[Service, broker.Broker]("broker")
	// WithMetrics sets the recorder for saves and applied diffs.
	WithMetrics = opts.ForName[Service, metrics.Recorder]("metrics")
	// WithOrigin sets the origin stamped on published events.
	WithOrigin = opts.ForName[Service, string]("origin")
)

type Service struct {
	store   store.Store
	broker  broker.Broker
	metrics metrics.Recorder
	origin  string
	logger  *slog.Logger
}

// SaveDiffRequest is the body of a saveDiff call.
type SaveDiffRequest struct {
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Diff      ot.Ops `json:"diff"`
}

func New(st store.Store, options ...opts.Option[Service]) (*Service, error) {
	if st == nil {
		return nil, errors.New("spells: store is required")
	}
	svc := Service{
		store:   st,
		metrics: metrics.Noop{},
	}
	if err := opts.Apply(&svc, options); err != nil {
		return nil, err
	}
	svc.logger = slog.Default().With(slogx.LoggerName("spells"))
	return &svc, nil
}

func (s *Service) Create(ctx context.Context, spell grimoire.Spell) (grimoire.Spell, error) {
	if err := spell.Validate(); err != nil {
		return grimoire.Spell{}, InputFailed("%v", err)
	}
	spell.Rehash()
	created, err := s.store.Create(ctx, spell)
	if err != nil {
		return grimoire.Spell{}, AsServerError(err)
	}
	s.metrics.RecordSave(ctx, created.ProjectID)
	s.publish(ctx, broker.SpellUpdated{ProjectID: created.ProjectID, Name: created.Name, Hash: created.Hash})
	return created, nil
}

func (s *Service) Get(ctx context.Context, projectID, name string) (grimoire.Spell, error) {
	spell, err := s.store.Get(ctx, projectID, name)
	if errors.Is(err, store.ErrNotFound) {
		return grimoire.Spell{}, NotFound("No spell with %s name found.", name)
	}
	if err != nil {
		return grimoire.Spell{}, AsServerError(err)
	}
	return spell, nil
}

func (s *Service) Find(ctx context.Context, q store.Query) ([]grimoire.Spell, error) {
	spells, err := s.store.Find(ctx, q)
	if err != nil {
		return nil, AsServerError(err)
	}
	return spells, nil
}

// Update replaces a stored spell and recomputes its hash.
func (s *Service) Update(ctx context.Context, spell grimoire.Spell) (grimoire.Spell, error) {
	if err := spell.Validate(); err != nil {
		return grimoire.Spell{}, InputFailed("%v", err)
	}
	spell.Rehash()
	updated, err := s.store.Update(ctx, spell)
	if errors.Is(err, store.ErrNotFound) {
		return grimoire.Spell{}, NotFound("No spell with %s name found.", spell.Name)
	}
	if err != nil {
		return grimoire.Spell{}, AsServerError(err)
	}
	s.metrics.RecordSave(ctx, updated.ProjectID)
	s.publish(ctx, broker.SpellUpdated{ProjectID: updated.ProjectID, Name: updated.Name, Hash: updated.Hash})
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, projectID, name string) error {
	err := s.store.Delete(ctx, projectID, name)
	if errors.Is(err, store.ErrNotFound) {
		return NotFound("No spell with %s name found.", name)
	}
	if err != nil {
		return AsServerError(err)
	}
	s.publish(ctx, broker.SpellDeleted{ProjectID: projectID, Name: name})
	return nil
}

// maxDiffAttempts bounds how often SaveDiff re-reads a spell that another
// writer changed between the read and the write.
const maxDiffAttempts = 3

// SaveDiff applies a json0 diff to the stored spell and persists the result.
// The stored spell is left untouched when the diff does not apply or would
// leave the graph without nodes.
func (s *Service) SaveDiff(ctx context.Context, req *SaveDiffRequest) (result grimoire.Spell, err error) {
	if req == nil {
		return grimoire.Spell{}, InputFailed("No parameters provided")
	}
	defer func() {
		s.metrics.RecordDiff(ctx, "spells", len(req.Diff), err)
	}()

	if req.Diff == nil {
		return grimoire.Spell{}, InputFailed("No diff provided in request body")
	}

	var updated grimoire.Spell
	for attempt := 0; ; attempt++ {
		current, err := s.store.Get(ctx, req.ProjectID, req.Name)
		if errors.Is(err, store.ErrNotFound) {
			return grimoire.Spell{}, InputFailed("No spell with %s name found.", req.Name)
		}
		if err != nil {
			return grimoire.Spell{}, AsServerError(err)
		}
		if len(req.Diff) == 0 {
			return current, nil
		}

		next, err := ApplyDiff(current, req.Diff)
		if err != nil {
			return grimoire.Spell{}, err
		}
		if len(next.Graph.Nodes) == 0 {
			return grimoire.Spell{}, InputFailed("Graph would be cleared.  Aborting.")
		}

		updated, err = s.store.UpdateIfHash(ctx, next, current.Hash)
		if errors.Is(err, store.ErrConflict) && attempt < maxDiffAttempts-1 {
			s.logger.DebugContext(ctx, "spell changed while applying diff, retrying",
				slogx.Spell(req.ProjectID, req.Name),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return grimoire.Spell{}, AsServerError(err)
		}
		break
	}
	s.logger.DebugContext(ctx, "applied diff",
		slogx.Spell(updated.ProjectID, updated.Name),
		slog.Int("components", len(req.Diff)),
		slog.String("hash", updated.Hash),
	)
	s.metrics.RecordSave(ctx, updated.ProjectID)
	s.publish(ctx, broker.SpellUpdated{
		ProjectID: updated.ProjectID,
		Name:      updated.Name,
		Hash:      updated.Hash,
		Diff:      req.Diff,
	})
	return updated, nil
}

// ApplyDiff applies diff to a copy of spell and rehashes the result. The
// identity of the spell (id, project and name) can not be changed by a diff.
func ApplyDiff(spell grimoire.Spell, diff ot.Ops) (grimoire.Spell, error) {
	doc, err := grimoire.ToDocument(spell)
	if err != nil {
		return grimoire.Spell{}, AsServerError(err)
	}
	applied, err := ot.Apply(doc, diff)
	if err != nil {
		return grimoire.Spell{}, &ServerError{Code: CodeInputFailed, Message: "Diff could not be applied", Err: err}
	}
	next, err := grimoire.FromDocument(applied)
	if err != nil {
		return grimoire.Spell{}, &ServerError{Code: CodeInputFailed, Message: "Diff produced an invalid spell", Err: err}
	}
	if next.ID != spell.ID || next.ProjectID != spell.ProjectID || next.Name != spell.Name {
		return grimoire.Spell{}, InputFailed("Diff may not change the spell identity")
	}
	if err := next.Validate(); err != nil {
		return grimoire.Spell{}, InputFailed("%v", err)
	}
	next.Rehash()
	return next, nil
}

func (s *Service) publish(ctx context.Context, event broker.Event) {
	if s.broker == nil {
		return
	}
	ts := strfmt.DateTime(time.Now().UTC())
	switch e := event.(type) {
	case broker.SpellUpdated:
		e.Origin, e.Timestamp = s.origin, ts
		event = e
	case broker.SpellDeleted:
		e.Origin, e.Timestamp = s.origin, ts
		event = e
	}
	if err := s.broker.Topic(ctx, broker.SpellsTopic).Publish(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish spell event", slogx.Error(err), slog.String("event", fmt.Sprintf("%T", event)))
	}
}
