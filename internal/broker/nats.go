package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/grimoire/pkg/slogx"
	"github.com/casualjim/grimoire/pkg/uuidx"
	"github.com/nats-io/nats.go"
)

type natsBroker struct {
	client *nats.Conn
	topics *haxmap.Map[string, *natsTopic]
}

// NATS returns a broker that publishes events as JSON on a NATS subject named
// after the topic.
func NATS(client *nats.Conn) *natsBroker {
	return &natsBroker{
		client: client,
		topics: haxmap.New[string, *natsTopic](),
	}
}

func (b *natsBroker) Topic(ctx context.Context, id string) Topic {
	top, _ := b.topics.GetOrCompute(id, func() *natsTopic {
		return &natsTopic{
			subject: id,
			client:  b.client,
		}
	})
	return top
}

type natsTopic struct {
	client  *nats.Conn
	subject string
}

func (t *natsTopic) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	eb, err := ToJSON(event)
	if err != nil {
		return err
	}
	return t.client.Publish(t.subject, eb)
}

func (t *natsTopic) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, 50)

	nsub, err := t.client.Subscribe(t.subject, func(msg *nats.Msg) {
		event, err := FromJSON(msg.Data)
		if err != nil {
			slog.Error("failed to unmarshal event", slogx.Error(err), slog.String("subject", msg.Subject))
			return
		}

		select {
		case ch <- event:
		case <-ctx.Done():
			return
		}

		if msg.Reply != "" {
			if nerr := msg.Ack(); nerr != nil {
				slog.Error("failed to ack message", slogx.Error(nerr))
			}
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}
	nsub.SetClosedHandler(func(_ string) { cancel() })

	go func() {
		for {
			select {
			case event := <-ch:
				dispatch(ctx, handler, event)
			case <-ctx.Done():
				return
			}
		}
	}()

	return &natsSubscription{
		id:     uuidx.NewString(),
		sub:    nsub,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

type natsSubscription struct {
	id     string
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

func (n *natsSubscription) Done() <-chan struct{} {
	return n.ctx.Done()
}

func (n *natsSubscription) ID() string {
	return n.id
}

func (n *natsSubscription) Unsubscribe() {
	defer n.cancel()
	if err := n.sub.Unsubscribe(); err != nil {
		slog.Error("failed to unsubscribe", slogx.Error(err), slog.String("subscription", n.id))
	}
}
