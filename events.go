package voicecall

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
)

type EventType string

const (
	EventTypeState        EventType = "call.state"
	EventTypeDuration     EventType = "call.duration"
	EventTypeMute         EventType = "call.mute"
	EventTypeRemoteStream EventType = "call.remote_stream"
	EventTypeError        EventType = "call.error"
)

type EventHandler func(event *Event)

type TrackRemoteHandler func(track *webrtc.TrackRemote)

// EventParam is the type specific payload of an Event.
type EventParam interface {
	New(m map[string]any) error
	Json() map[string]any
}

type Event struct {
	EventId   string
	SessionId string
	Type      EventType
	Time      time.Time
	Param     EventParam
}

func (e *Event) fields() (map[string]any, error) {
	if e.EventId == "" {
		return nil, errors.New("EventId is empty")
	}
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["session_id"] = e.SessionId
	resp["type"] = string(e.Type)
	resp["time"] = e.Time.UTC().Format(time.RFC3339Nano)
	return resp, nil
}

func (e *Event) MarshalJSON() ([]byte, error) {
	resp, err := e.fields()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *Event) MarshalYAML() ([]byte, error) {
	resp, err := e.fields()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromMap(raw)
}

func (e *Event) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromMap(raw)
}

func (e *Event) fromMap(raw map[string]any) error {
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	} else {
		return errors.New("missing event_id")
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = EventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	if v, ok := raw["session_id"].(string); ok {
		e.SessionId = v
		delete(raw, "session_id")
	}
	if v, ok := raw["time"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("parsing time: %w", err)
		}
		e.Time = t
		delete(raw, "time")
	}
	switch e.Type {
	case EventTypeState:
		e.Param = new(EventParamState)
	case EventTypeDuration:
		e.Param = new(EventParamDuration)
	case EventTypeMute:
		e.Param = new(EventParamMute)
	case EventTypeRemoteStream:
		e.Param = new(EventParamRemoteStream)
	case EventTypeError:
		e.Param = new(EventParamError)
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return e.Param.New(raw)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// call.state
type EventParamState struct {
	Prev  State
	State State
}

func (p *EventParamState) New(m map[string]any) error {
	if v, ok := m["state"].(string); ok {
		p.State = State(v)
	} else {
		return errors.New("missing state")
	}
	if v, ok := m["prev"].(string); ok {
		p.Prev = State(v)
	}
	return nil
}

func (p *EventParamState) Json() map[string]any {
	return map[string]any{
		"prev":  string(p.Prev),
		"state": string(p.State),
	}
}

// call.duration
type EventParamDuration struct {
	Seconds int
}

func (p *EventParamDuration) New(m map[string]any) error {
	v, ok := asInt(m["seconds"])
	if !ok {
		return errors.New("missing seconds")
	}
	p.Seconds = v
	return nil
}

func (p *EventParamDuration) Json() map[string]any {
	return map[string]any{"seconds": p.Seconds}
}

// call.mute
type EventParamMute struct {
	Muted bool
}

func (p *EventParamMute) New(m map[string]any) error {
	v, ok := m["muted"].(bool)
	if !ok {
		return errors.New("missing muted")
	}
	p.Muted = v
	return nil
}

func (p *EventParamMute) Json() map[string]any {
	return map[string]any{"muted": p.Muted}
}

// call.remote_stream
type EventParamRemoteStream struct {
	TrackId  string
	StreamId string
	Codec    string
}

func (p *EventParamRemoteStream) New(m map[string]any) error {
	if v, ok := m["track_id"].(string); ok {
		p.TrackId = v
	}
	if v, ok := m["stream_id"].(string); ok {
		p.StreamId = v
	}
	if v, ok := m["codec"].(string); ok {
		p.Codec = v
	}
	return nil
}

func (p *EventParamRemoteStream) Json() map[string]any {
	return map[string]any{
		"track_id":  p.TrackId,
		"stream_id": p.StreamId,
		"codec":     p.Codec,
	}
}

// call.error
type EventParamError struct {
	Kind    string
	Message string
	// Err is the original error; it does not survive marshaling.
	Err error
}

func (p *EventParamError) New(m map[string]any) error {
	if v, ok := m["kind"].(string); ok {
		p.Kind = v
	} else {
		return errors.New("missing kind")
	}
	if v, ok := m["message"].(string); ok {
		p.Message = v
	}
	return nil
}

func (p *EventParamError) Json() map[string]any {
	return map[string]any{
		"kind":    p.Kind,
		"message": p.Message,
	}
}
