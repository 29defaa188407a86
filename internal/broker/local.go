package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/grimoire/pkg/uuidx"
)

const defaultSlowSubscriberTimeout = 100 * time.Millisecond

type localBroker struct {
	topics                *haxmap.Map[string, *topic]
	slowSubscriberTimeout time.Duration
}

// Local returns a broker that fans events out to subscribers in this process.
func Local() *localBroker {
	return &localBroker{
		topics:                haxmap.New[string, *topic](),
		slowSubscriberTimeout: defaultSlowSubscriberTimeout,
	}
}

// WithSlowSubscriberTimeout configures how long Publish waits on a full
// subscriber before evicting it.
func (b *localBroker) WithSlowSubscriberTimeout(timeout time.Duration) *localBroker {
	b.slowSubscriberTimeout = timeout
	return b
}

func (b *localBroker) Topic(ctx context.Context, id string) Topic {
	topic, _ := b.topics.GetOrCompute(id, func() *topic {
		return &topic{
			ID:                    id,
			subscriptions:         haxmap.New[string, *subscription](),
			slowSubscriberTimeout: b.slowSubscriberTimeout,
		}
	})
	return topic
}

type topic struct {
	ID                    string
	subscriptions         *haxmap.Map[string, *subscription]
	slowSubscriberTimeout time.Duration
}

func (t *topic) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	t.subscriptions.ForEach(func(id string, sub *subscription) bool {
		if sub == nil {
			return true
		}
		err := sub.deliver(ctx, event, t.slowSubscriberTimeout)
		if errors.Is(err, errEvicted) {
			sub.Unsubscribe()
			return true
		}
		return err == nil
	})
	return ctx.Err()
}

func (t *topic) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return t.newSubscription(ctx, handler), nil
}

func (t *topic) newSubscription(ctx context.Context, handler Handler) *subscription {
	id := uuidx.NewString()
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		channel: make(chan Event, 50),
		onClose: func() { t.subscriptions.Del(id) },
		handler: handler,
	}
	t.subscriptions.Set(id, sub)
	go sub.forward()
	return sub
}

// errEvicted is returned by deliver when the subscriber has to go: it is
// done or stayed full for the whole slow subscriber timeout.
var errEvicted = errors.New("subscriber evicted")

type subscription struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	channel chan Event
	onClose func()
	handler Handler

	// mu guards closed and the channel: senders hold it shared, Unsubscribe
	// exclusively.
	mu     sync.RWMutex
	closed bool
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.onClose != nil {
		s.onClose()
	}
	s.cancel()
	close(s.channel)
}

func (s *subscription) deliver(ctx context.Context, event Event, timeout time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errEvicted
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errEvicted
	case s.channel <- event:
		return nil
	case <-timer.C:
		// still full after the timeout
		return errEvicted
	}
}

func (s *subscription) forward() {
	for {
		select {
		case event, ok := <-s.channel:
			if !ok {
				return
			}
			dispatch(s.ctx, s.handler, event)
		case <-s.ctx.Done():
			return
		}
	}
}
