package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/pkg/ot"
	"github.com/casualjim/grimoire/pkg/slogx"
	json "github.com/goccy/go-json"
)

// Sync keeps an editor's copy of a spell in step with the server. It holds
// the last spell the store acknowledged and pushes every change to the
// spell's runner session before it goes to the store.
//
// The runner push is best effort: a failing runner never keeps a change out
// of the store, and the runner catches up from the change events.
type Sync struct {
	client *Client
	mu     sync.Mutex
	spell  grimoire.Spell
	logger *slog.Logger
}

func NewSync(client *Client, spell grimoire.Spell) *Sync {
	return &Sync{
		client: client,
		spell:  spell,
		logger: slog.Default().With(slogx.LoggerName("sync")),
	}
}

// Open loads the named spell and starts syncing it.
func Open(ctx context.Context, client *Client, name string) (*Sync, error) {
	spell, err := client.GetSpell(ctx, name)
	if err != nil {
		return nil, err
	}
	return NewSync(client, spell), nil
}

// Spell returns the last acknowledged spell.
func (s *Sync) Spell() grimoire.Spell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spell
}

// Save stores graph as the spell's graph in full, after pushing the
// difference to the runner session.
func (s *Sync) Save(ctx context.Context, graph grimoire.Graph) (grimoire.Spell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.spell.Clone()
	if err != nil {
		return grimoire.Spell{}, err
	}
	updated.Graph = graph
	diff, err := diffSpells(s.spell, updated)
	if err != nil {
		return grimoire.Spell{}, err
	}
	updated.Rehash()

	pushed := len(diff) > 0 && s.pushRunner(ctx, diff, updated.Hash)
	saved, err := s.client.SaveSpell(ctx, updated)
	if err != nil {
		if pushed {
			s.revertRunner(ctx, diff)
		}
		return grimoire.Spell{}, fmt.Errorf("save spell %s: %w", updated.Name, err)
	}
	s.spell = saved
	return saved, nil
}

// SaveDiff applies update to a copy of the spell and sends the resulting
// diff to the runner session and then to the store. It returns the diff,
// which is empty when update changed nothing.
func (s *Sync) SaveDiff(ctx context.Context, update func(*grimoire.Spell)) (ot.Ops, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.spell.Clone()
	if err != nil {
		return nil, err
	}
	update(&updated)
	diff, err := diffSpells(s.spell, updated)
	if err != nil {
		return nil, err
	}
	if len(diff) == 0 {
		return nil, nil
	}

	pushed := s.pushRunner(ctx, diff, grimoire.HashNodes(updated.Graph.Nodes))
	saved, err := s.client.SaveDiff(ctx, s.spell.Name, diff)
	if err != nil {
		if pushed {
			s.revertRunner(ctx, diff)
		}
		return diff, fmt.Errorf("save diff %s: %w", s.spell.Name, err)
	}
	s.spell = saved
	return diff, nil
}

// pushRunner sends diff to the runner session and reports whether the
// session took it.
func (s *Sync) pushRunner(ctx context.Context, diff ot.Ops, hash string) bool {
	if _, err := s.client.UpdateRunner(ctx, s.spell.Name, diff, hash); err != nil {
		s.logger.WarnContext(ctx, "failed to update spell runner",
			slogx.Spell(s.spell.ProjectID, s.spell.Name), slogx.Error(err))
		return false
	}
	return true
}

// revertRunner takes a pushed diff back out of the runner session after the
// store refused it.
func (s *Sync) revertRunner(ctx context.Context, diff ot.Ops) {
	hash := grimoire.HashNodes(s.spell.Graph.Nodes)
	if _, err := s.client.UpdateRunner(ctx, s.spell.Name, diff.Invert(), hash); err != nil {
		s.logger.WarnContext(ctx, "failed to revert spell runner",
			slogx.Spell(s.spell.ProjectID, s.spell.Name), slogx.Error(err))
	}
}

// Export writes the spell as indented JSON.
func (s *Sync) Export(w io.Writer) error {
	return Export(w, s.Spell())
}

// Export writes spell as indented JSON.
func Export(w io.Writer, spell grimoire.Spell) error {
	b, err := json.MarshalIndent(spell, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// ExportFileName is the file name a spell is exported to.
func ExportFileName(spell grimoire.Spell) string {
	return spell.Name + ".spell.json"
}

func diffSpells(a, b grimoire.Spell) (ot.Ops, error) {
	da, err := grimoire.ToDocument(a)
	if err != nil {
		return nil, err
	}
	db, err := grimoire.ToDocument(b)
	if err != nil {
		return nil, err
	}
	return ot.Diff(da, db), nil
}
