// Package broker distributes spell change events between the spells service
// and spell-runner managers, either inside one process or across processes
// over NATS.
//
// Interface hierarchy:
//   - Broker: Top-level interface for accessing topics
//     └── Topic: Interface for publishing/subscribing to events
//     └── Subscription: Interface for managing subscriptions
//
// Example usage:
//
//	broker := broker.Local()
//	topic := broker.Topic(ctx, broker.SpellsTopic)
//
//	sub, err := topic.Subscribe(ctx, handler)
//	if err != nil {
//	    return err
//	}
//	defer sub.Unsubscribe()
//
//	err = topic.Publish(ctx, broker.SpellUpdated{
//	    ProjectID: "p1",
//	    Name:      "greeter",
//	    Hash:      spell.Hash,
//	    Diff:      diff,
//	})
//
// Every event carries the Origin of the process that published it so
// subscribers can skip their own changes.
package broker
