package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/internal/broker"
	"github.com/casualjim/grimoire/pkg/ot"
	"github.com/casualjim/grimoire/spells"
	"github.com/casualjim/grimoire/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Manager, *spells.Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	b := broker.Local()
	svc, err := spells.New(st, spells.WithBroker(b))
	require.NoError(t, err)
	m, err := NewManager(st, WithBroker(b))
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), grimoire.Spell{Name: "greeter", ProjectID: "p1", Graph: greeterGraph()})
	require.NoError(t, err)
	return m, svc, st
}

func templateDiff(from, to string) ot.Ops {
	return ot.Ops{ot.Replace(ot.Path{"graph", "nodes", "2", "data", "template"}, from, to)}
}

func codeOf(err error) string {
	var se *spells.ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func TestNewManager_RequiresStore(t *testing.T) {
	_, err := NewManager(nil)
	assert.Error(t, err)
}

func TestManager_UpdateAndRun(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)

	out, err := m.Run(ctx, RunRequest{ProjectID: "p1", SpellName: "greeter", Inputs: map[string]any{"who": "world"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", out["greeting"])
	assert.Equal(t, 1, m.Sessions())

	updated, err := m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: templateDiff("Hello {{.who}}!", "Bye {{.who}}.")})
	require.NoError(t, err)
	assert.Equal(t, grimoire.HashNodes(updated.Graph.Nodes), updated.Hash)

	out, err = m.Run(ctx, RunRequest{ProjectID: "p1", SpellName: "greeter", Inputs: map[string]any{"who": "world"}})
	require.NoError(t, err)
	assert.Equal(t, "Bye world.", out["greeting"])
}

func TestManager_Update_LoadsSession(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)

	updated, err := m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: templateDiff("Hello {{.who}}!", "Hi {{.who}}")})
	require.NoError(t, err)
	assert.Equal(t, "Hi {{.who}}", updated.Graph.Nodes["2"].Data["template"])

	spell, err := m.Spell(ctx, "p1", "greeter")
	require.NoError(t, err)
	assert.Equal(t, updated.Hash, spell.Hash)
}

func TestManager_Update_StoreAlreadySaved(t *testing.T) {
	ctx := context.Background()
	m, svc, _ := setup(t)

	// the diff removes a key, so a second application fails on its path
	diff := ot.Ops{ot.Delete(ot.Path{"graph", "nodes", "1", "data", "name"}, "who")}
	saved, err := svc.SaveDiff(ctx, &spells.SaveDiffRequest{ProjectID: "p1", Name: "greeter", Diff: diff})
	require.NoError(t, err)

	got, err := m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: diff})
	require.NoError(t, err)
	assert.Equal(t, saved.Hash, got.Hash)

	// a cached session reports the failure
	_, err = m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: diff})
	assert.Equal(t, spells.CodeInputFailed, codeOf(err))
}

// connectDiff adds a second connection from the Input node straight to the
// Output node with list inserts, which apply again on a spell that has them.
func connectDiff() ot.Ops {
	return ot.Ops{
		ot.ListInsertAt(ot.Path{"graph", "nodes", "1", "outputs", "output", "connections", 1}, map[string]any{"node": 3, "input": "input"}),
		ot.ListInsertAt(ot.Path{"graph", "nodes", "3", "inputs", "input", "connections", 1}, map[string]any{"node": 1, "output": "output"}),
	}
}

func expectedHash(t *testing.T, st *store.MemoryStore, diff ot.Ops) string {
	t.Helper()
	current, err := st.Get(context.Background(), "p1", "greeter")
	require.NoError(t, err)
	next, err := spells.ApplyDiff(current, diff)
	require.NoError(t, err)
	return next.Hash
}

func TestManager_Update_Hash(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh session already at the hash", func(t *testing.T) {
		m, svc, st := setup(t)
		diff := connectDiff()
		hash := expectedHash(t, st, diff)
		saved, err := svc.SaveDiff(ctx, &spells.SaveDiffRequest{ProjectID: "p1", Name: "greeter", Diff: diff})
		require.NoError(t, err)
		require.Equal(t, hash, saved.Hash)

		got, err := m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: diff, Hash: hash})
		require.NoError(t, err)
		assert.Equal(t, saved.Hash, got.Hash)
		assert.Len(t, got.Graph.Nodes["1"].Outputs["output"].Connections, 2)
		assert.Len(t, got.Graph.Nodes["3"].Inputs["input"].Connections, 2)
	})

	t.Run("fresh session behind the hash", func(t *testing.T) {
		m, _, st := setup(t)
		diff := connectDiff()
		hash := expectedHash(t, st, diff)

		got, err := m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: diff, Hash: hash})
		require.NoError(t, err)
		assert.Equal(t, hash, got.Hash)
	})

	t.Run("fresh session that can not reach the hash", func(t *testing.T) {
		m, _, _ := setup(t)
		_, err := m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: connectDiff(), Hash: "not-a-hash"})
		assert.Equal(t, spells.CodeConflict, codeOf(err))

		spell, err := m.Spell(ctx, "p1", "greeter")
		require.NoError(t, err)
		assert.Len(t, spell.Graph.Nodes["1"].Outputs["output"].Connections, 1)
	})

	t.Run("stale session is reloaded", func(t *testing.T) {
		m, svc, st := setup(t)
		_, err := m.Spell(ctx, "p1", "greeter")
		require.NoError(t, err)

		// the store moves on without the session hearing about it
		first := ot.Ops{ot.Replace(ot.Path{"graph", "nodes", "3", "data", "name"}, "greeting", "salute")}
		_, err = svc.SaveDiff(ctx, &spells.SaveDiffRequest{ProjectID: "p1", Name: "greeter", Diff: first})
		require.NoError(t, err)

		second := templateDiff("Hello {{.who}}!", "Hey {{.who}}")
		hash := expectedHash(t, st, second)
		got, err := m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: second, Hash: hash})
		require.NoError(t, err)
		assert.Equal(t, hash, got.Hash)
		assert.Equal(t, "Hey {{.who}}", got.Graph.Nodes["2"].Data["template"])
		assert.Equal(t, "salute", got.Graph.Nodes["3"].Data["name"])
	})

	t.Run("empty diff", func(t *testing.T) {
		m, _, st := setup(t)
		stored, err := st.Get(ctx, "p1", "greeter")
		require.NoError(t, err)

		got, err := m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: ot.Ops{}})
		require.NoError(t, err)
		assert.Equal(t, stored.Hash, got.Hash)

		got, err = m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: ot.Ops{}, Hash: stored.Hash})
		require.NoError(t, err)
		assert.Equal(t, stored.Hash, got.Hash)
	})
}

func TestManager_Update_RejectsClearedGraph(t *testing.T) {
	ctx := context.Background()
	m, _, st := setup(t)
	stored, err := st.Get(ctx, "p1", "greeter")
	require.NoError(t, err)

	wipe := ot.Ops{ot.Replace(ot.Path{"graph", "nodes"}, map[string]any{}, map[string]any{})}
	_, err = m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: wipe})
	require.Error(t, err)
	var se *spells.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Graph would be cleared.  Aborting.", se.Message)

	spell, err := m.Spell(ctx, "p1", "greeter")
	require.NoError(t, err)
	assert.Equal(t, stored.Hash, spell.Hash)
	assert.Len(t, spell.Graph.Nodes, 3)
}

func TestManager_Errors(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)

	_, err := m.Update(ctx, "missing", UpdateRequest{ProjectID: "p1", Diff: templateDiff("a", "b")})
	assert.Equal(t, spells.CodeNotFound, codeOf(err))

	_, err = m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1"})
	assert.Equal(t, spells.CodeInputFailed, codeOf(err))

	_, err = m.Update(ctx, "", UpdateRequest{ProjectID: "p1", Diff: templateDiff("a", "b")})
	assert.Equal(t, spells.CodeInputFailed, codeOf(err))

	_, err = m.Run(ctx, RunRequest{ProjectID: "p1"})
	assert.Equal(t, spells.CodeInputFailed, codeOf(err))

	_, err = m.Run(ctx, RunRequest{ProjectID: "p1", SpellName: "missing"})
	assert.Equal(t, spells.CodeNotFound, codeOf(err))

	_, err = m.Run(ctx, RunRequest{ProjectID: "p1", SpellName: "greeter"})
	assert.Equal(t, spells.CodeInputFailed, codeOf(err))
	assert.ErrorContains(t, err, "Error running spell greeter")
}

func TestManager_Listen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, svc, _ := setup(t)

	sub, err := m.Listen(ctx)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	t.Run("applies diffs from other writers", func(t *testing.T) {
		_, err := m.Spell(ctx, "p1", "greeter")
		require.NoError(t, err)

		saved, err := svc.SaveDiff(ctx, &spells.SaveDiffRequest{ProjectID: "p1", Name: "greeter", Diff: templateDiff("Hello {{.who}}!", "Yo {{.who}}")})
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			s, err := m.Spell(ctx, "p1", "greeter")
			return err == nil && s.Hash == saved.Hash
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, m.Sessions())
	})

	t.Run("keeps sessions already at the hash", func(t *testing.T) {
		diff := templateDiff("Yo {{.who}}", "Hey {{.who}}")
		updated, err := m.Update(ctx, "greeter", UpdateRequest{ProjectID: "p1", Diff: diff})
		require.NoError(t, err)
		saved, err := svc.SaveDiff(ctx, &spells.SaveDiffRequest{ProjectID: "p1", Name: "greeter", Diff: diff})
		require.NoError(t, err)
		assert.Equal(t, updated.Hash, saved.Hash)

		time.Sleep(50 * time.Millisecond)
		s, err := m.Spell(ctx, "p1", "greeter")
		require.NoError(t, err)
		assert.Equal(t, saved.Hash, s.Hash)
	})

	t.Run("drops sessions on full saves", func(t *testing.T) {
		current, err := svc.Get(ctx, "p1", "greeter")
		require.NoError(t, err)
		n := current.Graph.Nodes["2"]
		n.Data = map[string]any{"template": "Replaced {{.who}}"}
		current.Graph.Nodes["2"] = n
		_, err = svc.Update(ctx, current)
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return m.Sessions() == 0 }, time.Second, 10*time.Millisecond)

		out, err := m.Run(ctx, RunRequest{ProjectID: "p1", SpellName: "greeter", Inputs: map[string]any{"who": "x"}})
		require.NoError(t, err)
		assert.Equal(t, "Replaced x", out["greeting"])
	})

	t.Run("drops deleted spells", func(t *testing.T) {
		require.Equal(t, 1, m.Sessions())
		require.NoError(t, svc.Delete(ctx, "p1", "greeter"))
		assert.Eventually(t, func() bool { return m.Sessions() == 0 }, time.Second, 10*time.Millisecond)
	})
}

// flakyBroker hands out subscriptions the test can end as if the broker
// evicted them.
type flakyBroker struct {
	mu   sync.Mutex
	subs []*flakySubscription
}

func (b *flakyBroker) Topic(context.Context, string) broker.Topic { return b }

func (b *flakyBroker) Publish(context.Context, broker.Event) error { return nil }

func (b *flakyBroker) Subscribe(context.Context, broker.Handler) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &flakySubscription{id: fmt.Sprintf("sub-%d", len(b.subs)), done: make(chan struct{})}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *flakyBroker) subscriptions() []*flakySubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*flakySubscription(nil), b.subs...)
}

type flakySubscription struct {
	id   string
	once sync.Once
	done chan struct{}
}

func (s *flakySubscription) ID() string { return s.id }

func (s *flakySubscription) Unsubscribe() { s.once.Do(func() { close(s.done) }) }

func (s *flakySubscription) Done() <-chan struct{} { return s.done }

func TestManager_Listen_Resubscribes(t *testing.T) {
	ctx := context.Background()
	fb := &flakyBroker{}
	st := store.NewMemory()
	_, err := st.Create(ctx, grimoire.Spell{Name: "greeter", ProjectID: "p1", Graph: greeterGraph()})
	require.NoError(t, err)
	m, err := NewManager(st, WithBroker(fb))
	require.NoError(t, err)

	sub, err := m.Listen(ctx)
	require.NoError(t, err)
	_, err = m.Spell(ctx, "p1", "greeter")
	require.NoError(t, err)
	require.Equal(t, 1, m.Sessions())

	fb.subscriptions()[0].Unsubscribe()
	assert.Eventually(t, func() bool {
		return len(fb.subscriptions()) == 2 && m.Sessions() == 0
	}, time.Second, 10*time.Millisecond)

	select {
	case <-sub.Done():
		t.Fatal("listener ended with its broker subscription")
	default:
	}

	sub.Unsubscribe()
	<-sub.Done()
	subs := fb.subscriptions()
	require.Len(t, subs, 2)
	select {
	case <-subs[1].Done():
	default:
		t.Fatal("replacement subscription still open")
	}
}

func TestManager_Listen_RequiresBroker(t *testing.T) {
	m, err := NewManager(store.NewMemory())
	require.NoError(t, err)
	_, err = m.Listen(context.Background())
	assert.Error(t, err)
}
