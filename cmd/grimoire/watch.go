package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/casualjim/grimoire/internal/broker"
	"github.com/casualjim/grimoire/internal/opfmt"
	"github.com/casualjim/grimoire/pkg/natsx"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print spell change events published on NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.NATSURL == "" {
				return errors.New("watch requires NATS_URL")
			}
			conn, err := natsx.NewClient(a.cfg.NATSURL)
			if err != nil {
				return fmt.Errorf("connect to nats: %w", err)
			}
			defer conn.Close()

			return watch(cmd.Context(), broker.NATS(conn), a.projectID, func(events <-chan broker.Event) error {
				return opfmt.Events(cmd.Context(), cmd.OutOrStdout(), events)
			})
		},
	}
}

// eventQueue forwards the events of one project to a channel.
type eventQueue struct {
	projectID string
	events    chan broker.Event
}

func (q *eventQueue) push(ctx context.Context, projectID string, event broker.Event) {
	if q.projectID != "" && projectID != q.projectID {
		return
	}
	select {
	case q.events <- event:
	case <-ctx.Done():
	}
}

func (q *eventQueue) OnSpellUpdated(ctx context.Context, e broker.SpellUpdated) {
	q.push(ctx, e.ProjectID, e)
}

func (q *eventQueue) OnSpellDeleted(ctx context.Context, e broker.SpellDeleted) {
	q.push(ctx, e.ProjectID, e)
}

// watch subscribes to spell events of projectID, or of every project when it
// is empty, and hands them to consume until ctx is done.
func watch(ctx context.Context, b broker.Broker, projectID string, consume func(<-chan broker.Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := &eventQueue{projectID: projectID, events: make(chan broker.Event, 16)}
	sub, err := b.Topic(ctx, broker.SpellsTopic).Subscribe(ctx, q)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	err = consume(q.events)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
