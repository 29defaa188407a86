package broker

import (
	"context"
	"fmt"

	"github.com/casualjim/grimoire/pkg/ot"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SpellsTopic is the topic spell change events are published on.
const SpellsTopic = "grimoire.spells"

const (
	typeSpellUpdated = "spell.updated"
	typeSpellDeleted = "spell.deleted"
)

type Broker interface {
	Topic(context.Context, string) Topic
}

type Topic interface {
	Publish(context.Context, Event) error
	Subscribe(context.Context, Handler) (Subscription, error)
}

type Subscription interface {
	ID() string
	Unsubscribe()
	// Done is closed once the subscription stops delivering events, whether
	// it was unsubscribed, its context ended or the broker evicted it.
	Done() <-chan struct{}
}

// Handler receives the events of a subscription. Every method must be
// implemented so new event types surface as compile errors in subscribers.
type Handler interface {
	OnSpellUpdated(context.Context, SpellUpdated)
	OnSpellDeleted(context.Context, SpellDeleted)
}

type Event interface {
	brokerEvent()
}

// SpellUpdated is published after a stored spell changed. Diff is empty for
// full saves.
type SpellUpdated struct {
	ProjectID string          `json:"projectId"`
	Name      string          `json:"name"`
	Hash      string          `json:"hash"`
	Diff      ot.Ops          `json:"diff,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp strfmt.DateTime `json:"timestamp"`
}

func (SpellUpdated) brokerEvent() {}

// MarshalJSON implements custom JSON marshaling for SpellUpdated
func (e SpellUpdated) MarshalJSON() ([]byte, error) {
	result, err := envelope(typeSpellUpdated, e.ProjectID, e.Name, e.Origin, e.Timestamp)
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetBytes(result, "hash", e.Hash)
	if err != nil {
		return nil, err
	}
	if len(e.Diff) > 0 {
		diffBytes, err := json.Marshal(e.Diff)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal diff: %w", err)
		}
		result, err = sjson.SetRawBytes(result, "diff", diffBytes)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// UnmarshalJSON implements custom JSON unmarshaling for SpellUpdated
func (e *SpellUpdated) UnmarshalJSON(data []byte) error {
	projectID, name, origin, ts, err := readEnvelope(data, typeSpellUpdated)
	if err != nil {
		return err
	}
	*e = SpellUpdated{
		ProjectID: projectID,
		Name:      name,
		Origin:    origin,
		Timestamp: ts,
		Hash:      gjson.GetBytes(data, "hash").String(),
	}
	if diff := gjson.GetBytes(data, "diff"); diff.Exists() {
		if err := json.Unmarshal([]byte(diff.Raw), &e.Diff); err != nil {
			return fmt.Errorf("invalid diff: %w", err)
		}
	}
	return nil
}

// SpellDeleted is published after a spell was removed from the store.
type SpellDeleted struct {
	ProjectID string          `json:"projectId"`
	Name      string          `json:"name"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp strfmt.DateTime `json:"timestamp"`
}

func (SpellDeleted) brokerEvent() {}

// MarshalJSON implements custom JSON marshaling for SpellDeleted
func (e SpellDeleted) MarshalJSON() ([]byte, error) {
	return envelope(typeSpellDeleted, e.ProjectID, e.Name, e.Origin, e.Timestamp)
}

// UnmarshalJSON implements custom JSON unmarshaling for SpellDeleted
func (e *SpellDeleted) UnmarshalJSON(data []byte) error {
	projectID, name, origin, ts, err := readEnvelope(data, typeSpellDeleted)
	if err != nil {
		return err
	}
	*e = SpellDeleted{ProjectID: projectID, Name: name, Origin: origin, Timestamp: ts}
	return nil
}

func envelope(typ, projectID, name, origin string, ts strfmt.DateTime) ([]byte, error) {
	result := []byte(`{}`)
	var err error
	for _, kv := range [][2]string{
		{"type", typ},
		{"projectId", projectID},
		{"name", name},
		{"timestamp", ts.String()},
	} {
		result, err = sjson.SetBytes(result, kv[0], kv[1])
		if err != nil {
			return nil, err
		}
	}
	if origin != "" {
		result, err = sjson.SetBytes(result, "origin", origin)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func readEnvelope(data []byte, typ string) (projectID, name, origin string, ts strfmt.DateTime, err error) {
	if !gjson.ValidBytes(data) {
		err = fmt.Errorf("invalid json: %s", data)
		return
	}
	msgType := gjson.GetBytes(data, "type")
	if !msgType.Exists() || msgType.String() != typ {
		err = fmt.Errorf("missing or invalid type, expected '%s'", typ)
		return
	}
	nameRes := gjson.GetBytes(data, "name")
	if !nameRes.Exists() {
		err = fmt.Errorf("missing required field 'name'")
		return
	}
	projectID = gjson.GetBytes(data, "projectId").String()
	name = nameRes.String()
	origin = gjson.GetBytes(data, "origin").String()
	if tsRes := gjson.GetBytes(data, "timestamp"); tsRes.Exists() {
		if ts, err = strfmt.ParseDateTime(tsRes.String()); err != nil {
			err = fmt.Errorf("invalid timestamp: %w", err)
			return
		}
	}
	return
}

// ToJSON encodes an event with its type tag.
func ToJSON(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// FromJSON decodes an event produced by ToJSON.
func FromJSON(data []byte) (Event, error) {
	switch typ := gjson.GetBytes(data, "type").String(); typ {
	case typeSpellUpdated:
		var e SpellUpdated
		if err := e.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return e, nil
	case typeSpellDeleted:
		var e SpellDeleted
		if err := e.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", typ)
	}
}

func dispatch(ctx context.Context, handler Handler, event Event) {
	switch event := event.(type) {
	case SpellUpdated:
		handler.OnSpellUpdated(ctx, event)
	case SpellDeleted:
		handler.OnSpellDeleted(ctx, event)
	default:
		panic(fmt.Sprintf("unknown event type: %T", event))
	}
}
