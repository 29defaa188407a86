// Package runner keeps live spell-runner sessions in step with editor edits
// and evaluates their graphs.
//
// A session holds the spell as the runner last saw it. The editor pushes its
// json0 diffs to the session directly; change events published by the spells
// service repair sessions that fell behind the store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/internal/broker"
	"github.com/casualjim/grimoire/pkg/metrics"
	"github.com/casualjim/grimoire/pkg/ot"
	"github.com/casualjim/grimoire/pkg/slogx"
	"github.com/casualjim/grimoire/provider"
	"github.com/casualjim/grimoire/spells"
	"github.com/casualjim/grimoire/store"
	"github.com/fogfish/opts"
)

var (
	// WithProvider enables the Completion component.
	WithProvider = opts.ForName[Manager, provider.Provider]("provider")
	// WithBroker sets the broker Listen subscribes to.
	WithBroker  = opts.ForName[Manager, broker.Broker]("broker")
	WithMetrics = opts.ForName[Manager, metrics.Recorder]("metrics")
)

// WithComponents registers extra components, replacing built-ins of the same
// name.
func WithComponents(components ...Component) opts.Option[Manager] {
	return opts.Type[Manager](func(m *Manager) error {
		m.extra = append(m.extra, components...)
		return nil
	})
}

// UpdateRequest is the body of a runner update.
type UpdateRequest struct {
	ProjectID string `json:"projectId"`
	Diff      ot.Ops `json:"diff"`
	// Hash is the hash the spell has once Diff is applied. A session already
	// at Hash skips the diff, a session that ends up anywhere else is stale.
	Hash string `json:"hash,omitempty"`
}

// errStaleSession is returned by apply when a cached session can not reach
// the requested hash.
var errStaleSession = errors.New("runner session is stale")

// RunRequest asks for one evaluation of a session's graph.
type RunRequest struct {
	ProjectID string         `json:"projectId"`
	SpellName string         `json:"spellName"`
	Inputs    map[string]any `json:"inputs"`
}

type session struct {
	mu        sync.Mutex
	spell     grimoire.Spell
	updatedAt time.Time
}

func (s *session) snapshot() grimoire.Spell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spell
}

// Manager owns the runner sessions, keyed by project id and spell name.
type Manager struct {
	store    store.Store
	provider provider.Provider
	broker   broker.Broker
	metrics  metrics.Recorder
	extra    []Component

	engine   *Engine
	sessions *haxmap.Map[string, *session]
	loadMu   sync.Mutex
	logger   *slog.Logger
}

func NewManager(st store.Store, options ...opts.Option[Manager]) (*Manager, error) {
	if st == nil {
		return nil, errors.New("runner: store is required")
	}
	m := &Manager{
		store:    st,
		metrics:  metrics.Noop{},
		sessions: haxmap.New[string, *session](),
	}
	if err := opts.Apply(m, options); err != nil {
		return nil, err
	}
	m.engine = NewEngine(append(DefaultComponents(m.provider), m.extra...)...)
	m.logger = slog.Default().With(slogx.LoggerName("runner"))
	return m, nil
}

func sessionKey(projectID, name string) string {
	return projectID + "/" + name
}

// session returns the cached session, loading the spell from the store when
// there is none. created reports whether the session was just loaded.
func (m *Manager) session(ctx context.Context, projectID, name string) (sess *session, created bool, err error) {
	key := sessionKey(projectID, name)
	if s, ok := m.sessions.Get(key); ok {
		return s, false, nil
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if s, ok := m.sessions.Get(key); ok {
		return s, false, nil
	}
	spell, err := m.store.Get(ctx, projectID, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, spells.NotFound("No spell with %s name found.", name)
	}
	if err != nil {
		return nil, false, spells.AsServerError(err)
	}
	s := &session{spell: spell, updatedAt: time.Now()}
	m.sessions.Set(key, s)
	return s, true, nil
}

// Spell returns the spell as the session currently holds it.
func (m *Manager) Spell(ctx context.Context, projectID, name string) (grimoire.Spell, error) {
	sess, _, err := m.session(ctx, projectID, name)
	if err != nil {
		return grimoire.Spell{}, err
	}
	return sess.snapshot(), nil
}

// Update applies diff to the session of the named spell and rehashes it.
//
// With a hash in the request the session is checked against it: a session
// already at the hash is left alone, a cached session that misses it is
// reloaded from the store once. Without a hash, a diff that no longer applies
// to a freshly loaded spell is taken as already applied.
func (m *Manager) Update(ctx context.Context, name string, req UpdateRequest) (result grimoire.Spell, err error) {
	if name == "" || req.ProjectID == "" {
		return grimoire.Spell{}, spells.InputFailed("No parameters provided")
	}
	if req.Diff == nil {
		return grimoire.Spell{}, spells.InputFailed("No diff provided in request body")
	}
	defer func() {
		m.metrics.RecordDiff(ctx, "runner", len(req.Diff), err)
	}()

	for attempt := 0; ; attempt++ {
		sess, created, err := m.session(ctx, req.ProjectID, name)
		if err != nil {
			return grimoire.Spell{}, err
		}
		result, err = m.apply(ctx, sess, created, name, req)
		if err != nil && created {
			// a fresh session that failed is reloaded on next access
			m.drop(req.ProjectID, name, sess)
		}
		if !errors.Is(err, errStaleSession) {
			return result, err
		}
		if attempt > 0 {
			return grimoire.Spell{}, &spells.ServerError{
				Code:    spells.CodeConflict,
				Message: fmt.Sprintf("Spell %s keeps changing, try again", name),
				Err:     err,
			}
		}
		m.logger.InfoContext(ctx, "reloading stale runner session",
			slogx.Spell(req.ProjectID, name), slog.String("hash", req.Hash))
		m.drop(req.ProjectID, name, sess)
	}
}

// apply runs the diff of req against sess. Only sessions that were cached
// before this update report errStaleSession.
func (m *Manager) apply(ctx context.Context, sess *session, created bool, name string, req UpdateRequest) (grimoire.Spell, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if req.Hash != "" && sess.spell.Hash == req.Hash {
		return sess.spell, nil
	}

	next, err := spells.ApplyDiff(sess.spell, req.Diff)
	switch {
	case err != nil && req.Hash != "" && !created:
		return grimoire.Spell{}, errStaleSession
	case err != nil && req.Hash == "" && created && errors.Is(err, ot.ErrPath):
		m.logger.WarnContext(ctx, "diff does not apply to stored spell, keeping stored copy",
			slogx.Spell(req.ProjectID, name), slogx.Error(err))
		return sess.spell, nil
	case err != nil:
		return grimoire.Spell{}, err
	}
	if len(next.Graph.Nodes) == 0 {
		return grimoire.Spell{}, spells.InputFailed("Graph would be cleared.  Aborting.")
	}
	if req.Hash != "" && next.Hash != req.Hash {
		if !created {
			return grimoire.Spell{}, errStaleSession
		}
		return grimoire.Spell{}, &spells.ServerError{
			Code:    spells.CodeConflict,
			Message: fmt.Sprintf("Diff does not produce spell %s at hash %s", name, req.Hash),
		}
	}

	sess.spell = next
	sess.updatedAt = time.Now()
	m.logger.DebugContext(ctx, "updated runner session",
		slogx.Spell(req.ProjectID, name),
		slog.Int("components", len(req.Diff)),
		slog.String("hash", next.Hash),
	)
	return next, nil
}

// Run evaluates the graph of the requested session.
func (m *Manager) Run(ctx context.Context, req RunRequest) (outputs map[string]any, err error) {
	if req.SpellName == "" || req.ProjectID == "" {
		return nil, spells.InputFailed("No parameters provided")
	}
	start := time.Now()
	defer func() {
		m.metrics.RecordRun(ctx, req.SpellName, time.Since(start), err)
	}()

	sess, _, err := m.session(ctx, req.ProjectID, req.SpellName)
	if err != nil {
		return nil, err
	}
	spell := sess.snapshot()

	outputs, err = m.engine.Run(ctx, req.ProjectID, spell.Graph, req.Inputs)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if err != nil {
		return nil, spells.InputFailed("Error running spell %s: %v", req.SpellName, err)
	}
	return outputs, nil
}

// Drop discards the session of a spell. The next access reloads it.
func (m *Manager) Drop(projectID, name string) {
	m.sessions.Del(sessionKey(projectID, name))
}

// drop discards the session of a spell only while it still is sess.
func (m *Manager) drop(projectID, name string, sess *session) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	key := sessionKey(projectID, name)
	if current, ok := m.sessions.Get(key); ok && current == sess {
		m.sessions.Del(key)
	}
}

// Sessions returns the number of live sessions.
func (m *Manager) Sessions() int {
	return int(m.sessions.Len())
}

// Listen keeps the manager subscribed to spell change events until ctx is
// done or the returned subscription is unsubscribed. When the broker ends the
// subscription early, for instance by evicting a slow subscriber, Listen
// subscribes again and drops every session.
func (m *Manager) Listen(ctx context.Context) (broker.Subscription, error) {
	if m.broker == nil {
		return nil, errors.New("runner: no broker configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	topic := m.broker.Topic(ctx, broker.SpellsTopic)
	sub, err := topic.Subscribe(ctx, (*eventHandler)(m))
	if err != nil {
		cancel()
		return nil, err
	}
	l := &listener{id: sub.ID(), cancel: cancel, done: make(chan struct{})}
	go m.keepSubscribed(ctx, topic, sub, l.done)
	return l, nil
}

const resubscribeDelay = 500 * time.Millisecond

func (m *Manager) keepSubscribed(ctx context.Context, topic broker.Topic, sub broker.Subscription, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case <-sub.Done():
		}
		if ctx.Err() != nil {
			sub.Unsubscribe()
			return
		}
		m.logger.WarnContext(ctx, "spell event subscription ended, subscribing again",
			slog.String("subscription", sub.ID()))

		for {
			next, err := topic.Subscribe(ctx, (*eventHandler)(m))
			if err == nil {
				sub = next
				break
			}
			m.logger.ErrorContext(ctx, "failed to subscribe to spell events", slogx.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
		}
		m.sessions.Clear()
	}
}

// listener is the subscription handed out by Listen. It outlives the broker
// subscriptions it replaces.
type listener struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *listener) ID() string { return l.id }

func (l *listener) Unsubscribe() {
	l.cancel()
	<-l.done
}

func (l *listener) Done() <-chan struct{} { return l.done }

type eventHandler Manager

// OnSpellUpdated brings a session behind the event's hash up to date, by
// applying the event diff when it lands on the same hash and by dropping the
// session otherwise.
func (h *eventHandler) OnSpellUpdated(ctx context.Context, e broker.SpellUpdated) {
	m := (*Manager)(h)
	sess, ok := m.sessions.Get(sessionKey(e.ProjectID, e.Name))
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.spell.Hash == e.Hash {
		return
	}
	if len(e.Diff) > 0 {
		if next, err := spells.ApplyDiff(sess.spell, e.Diff); err == nil && next.Hash == e.Hash {
			sess.spell = next
			sess.updatedAt = time.Now()
			return
		}
	}
	m.logger.DebugContext(ctx, "dropping stale runner session",
		slogx.Spell(e.ProjectID, e.Name), slog.String("origin", e.Origin))
	m.Drop(e.ProjectID, e.Name)
}

func (h *eventHandler) OnSpellDeleted(ctx context.Context, e broker.SpellDeleted) {
	(*Manager)(h).Drop(e.ProjectID, e.Name)
}
