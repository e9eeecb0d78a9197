package pulse

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event names on the stream.
const (
	EventReady   = "ready"
	EventPing    = "ping"
	EventMessage = "message"
)

var emptyObject = json.RawMessage(`{}`)

// Event is one delivered unit: a name plus a JSON body.
type Event struct {
	Name string
	Data json.RawMessage
}

// NewEvent encodes v as the event body. A nil v encodes as an empty object.
func NewEvent(name string, v any) (Event, error) {
	if v == nil {
		return Event{Name: name, Data: emptyObject}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", name, err)
	}
	return Event{Name: name, Data: b}, nil
}

// PingEvent is the heartbeat sent to idle subscribers.
func PingEvent() Event { return Event{Name: EventPing, Data: emptyObject} }

// SSE renders the event as a blank-line terminated text/event-stream block.
func (e Event) SSE() []byte {
	var buf bytes.Buffer
	buf.Grow(len(e.Data) + len(e.Name) + 16)
	buf.WriteString("event: ")
	buf.WriteString(e.Name)
	buf.WriteString("\ndata: ")
	data := e.Data
	if len(data) == 0 {
		data = emptyObject
	}
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// MarshalJSON renders the envelope used by the websocket transport.
func (e Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = emptyObject
	}
	return json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{Event: e.Name, Data: data})
}
