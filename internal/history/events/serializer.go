package events

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linkflow/core/internal/history/types"
)

func init() {
	gob.Register(&types.WorkflowStartedAttributes{})
	gob.Register(&types.WorkflowCompletedAttributes{})
	gob.Register(&types.WorkflowFailedAttributes{})
	gob.Register(&types.WorkflowCanceledAttributes{})
	gob.Register(&types.ActivityScheduledAttributes{})
	gob.Register(&types.ActivityStartedAttributes{})
	gob.Register(&types.ActivityCompletedAttributes{})
	gob.Register(&types.ActivityFailedAttributes{})
	gob.Register(&types.ActivityTimedOutAttributes{})
	gob.Register(&types.TimerStartedAttributes{})
	gob.Register(&types.TimerFiredAttributes{})
	gob.Register(&types.TimerCanceledAttributes{})
	gob.Register(&types.SignalReceivedAttributes{})
	gob.Register(&types.ContinueAsNewAttributes{})
	gob.Register(&types.DeterministicContext{})
}

type EncodingType int

const (
	EncodingTypeJSON EncodingType = iota
	EncodingTypeGob
)

const currentSerializerVersion = 1

var ErrUnknownEncoding = errors.New("unknown event encoding")

// Serializer turns history events into opaque blobs. The event_id and
// event_type always live in their own columns so readers never need to
// decode the payload to route an event.
type Serializer struct {
	encoding EncodingType
}

func NewSerializer(encoding EncodingType) *Serializer {
	return &Serializer{encoding: encoding}
}

func NewJSONSerializer() *Serializer {
	return NewSerializer(EncodingTypeJSON)
}

func NewGobSerializer() *Serializer {
	return NewSerializer(EncodingTypeGob)
}

type serializedEvent struct {
	Version    int             `json:"v"`
	EventID    int64           `json:"event_id"`
	EventType  int32           `json:"event_type"`
	Timestamp  int64           `json:"timestamp"`
	EvtVersion int64           `json:"evt_version"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

func (s *Serializer) Serialize(event *types.HistoryEvent) ([]byte, error) {
	if event == nil {
		return nil, errors.New("cannot serialize nil event")
	}

	switch s.encoding {
	case EncodingTypeJSON:
		return s.serializeJSON(event)
	case EncodingTypeGob:
		return s.serializeGob(event)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncoding, s.encoding)
	}
}

func (s *Serializer) serializeJSON(event *types.HistoryEvent) ([]byte, error) {
	se := serializedEvent{
		Version:    currentSerializerVersion,
		EventID:    event.EventID,
		EventType:  int32(event.EventType),
		Timestamp:  event.Timestamp.UnixNano(),
		EvtVersion: event.Version,
	}

	if event.Attributes != nil {
		attrBytes, err := json.Marshal(event.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attributes: %w", err)
		}
		se.Attributes = attrBytes
	}

	return json.Marshal(se)
}

func (s *Serializer) serializeGob(event *types.HistoryEvent) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(currentSerializerVersion))
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(event); err != nil {
		return nil, fmt.Errorf("failed to gob encode event: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Serializer) Deserialize(data []byte) (*types.HistoryEvent, error) {
	if len(data) == 0 {
		return nil, errors.New("cannot deserialize empty event")
	}

	switch s.encoding {
	case EncodingTypeJSON:
		return s.deserializeJSON(data)
	case EncodingTypeGob:
		return s.deserializeGob(data)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncoding, s.encoding)
	}
}

func (s *Serializer) deserializeJSON(data []byte) (*types.HistoryEvent, error) {
	var se serializedEvent
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	event := &types.HistoryEvent{
		EventID:   se.EventID,
		EventType: types.EventType(se.EventType),
		Version:   se.EvtVersion,
		Timestamp: time.Unix(0, se.Timestamp).UTC(),
	}

	if len(se.Attributes) > 0 {
		attrs := attributesForType(event.EventType)
		if attrs != nil {
			if err := json.Unmarshal(se.Attributes, attrs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s attributes: %w", event.EventType, err)
			}
			event.Attributes = attrs
		}
	}

	return event, nil
}

func (s *Serializer) deserializeGob(data []byte) (*types.HistoryEvent, error) {
	if data[0] != currentSerializerVersion {
		return nil, fmt.Errorf("unsupported serializer version %d", data[0])
	}
	var event types.HistoryEvent
	dec := gob.NewDecoder(bytes.NewReader(data[1:]))
	if err := dec.Decode(&event); err != nil {
		return nil, fmt.Errorf("failed to gob decode event: %w", err)
	}
	return &event, nil
}

func attributesForType(eventType types.EventType) any {
	switch eventType {
	case types.EventTypeWorkflowStarted:
		return &types.WorkflowStartedAttributes{}
	case types.EventTypeWorkflowCompleted:
		return &types.WorkflowCompletedAttributes{}
	case types.EventTypeWorkflowFailed:
		return &types.WorkflowFailedAttributes{}
	case types.EventTypeWorkflowCanceled:
		return &types.WorkflowCanceledAttributes{}
	case types.EventTypeActivityScheduled:
		return &types.ActivityScheduledAttributes{}
	case types.EventTypeActivityStarted:
		return &types.ActivityStartedAttributes{}
	case types.EventTypeActivityCompleted:
		return &types.ActivityCompletedAttributes{}
	case types.EventTypeActivityFailed:
		return &types.ActivityFailedAttributes{}
	case types.EventTypeActivityTimedOut:
		return &types.ActivityTimedOutAttributes{}
	case types.EventTypeTimerStarted:
		return &types.TimerStartedAttributes{}
	case types.EventTypeTimerFired:
		return &types.TimerFiredAttributes{}
	case types.EventTypeTimerCanceled:
		return &types.TimerCanceledAttributes{}
	case types.EventTypeSignalReceived:
		return &types.SignalReceivedAttributes{}
	case types.EventTypeContinueAsNew:
		return &types.ContinueAsNewAttributes{}
	default:
		return nil
	}
}
