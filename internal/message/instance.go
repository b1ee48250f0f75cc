// Package message defines the closed sets of messages that flow between a
// simulation worker and its supervisor (Instance) and between the supervisor
// and subscribed clients (Client), together with their JSON wire forms.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Instance is a message exchanged between a supervisor and its worker.
// The set of implementations is closed; use a type switch to dispatch.
type Instance interface {
	instanceKind() string
}

// NewFrame is emitted by a worker after a frame has been written and appended
// to the archive index. IndexJSON is the full serialized index after the append.
type NewFrame struct {
	FrameCount int             `json:"frame_count"`
	IndexJSON  json.RawMessage `json:"new_data"`
}

// StepFileAdded acknowledges a NewFrame once the supervisor cached the index.
type StepFileAdded struct{}

// ErrorMessage carries a failure description from the worker.
type ErrorMessage struct {
	Text string `json:"text"`
}

// Close is sent by whichever side ends the simulation. Abrupt is true when the
// worker stopped because of a failure.
type Close struct {
	Abrupt bool `json:"abrupt"`
}

// Stop asks the worker to leave its step loop.
type Stop struct{}

// UserMessage relays a client action (msgtoinstance or a backend extension)
// to the worker unchanged.
type UserMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	kindNewFrame      = "newframe"
	kindStepFileAdded = "stepfileadded"
	kindError         = "error_message"
	kindClose         = "close"
	kindStop          = "stop"
	kindUser          = "user"
)

func (NewFrame) instanceKind() string      { return kindNewFrame }
func (StepFileAdded) instanceKind() string { return kindStepFileAdded }
func (ErrorMessage) instanceKind() string  { return kindError }
func (Close) instanceKind() string         { return kindClose }
func (Stop) instanceKind() string          { return kindStop }
func (UserMessage) instanceKind() string   { return kindUser }

// ErrUnknownKind is returned when decoding a message with an unrecognized discriminator.
var ErrUnknownKind = errors.New("unknown message kind")

type instanceEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeInstance serializes m with its kind discriminator.
func EncodeInstance(m Instance) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil instance message")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(instanceEnvelope{Kind: m.instanceKind(), Data: data})
}

// DecodeInstance parses the output of EncodeInstance.
func DecodeInstance(b []byte) (Instance, error) {
	var env instanceEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	var m Instance
	switch env.Kind {
	case kindNewFrame:
		var v NewFrame
		if err := unmarshalData(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	case kindStepFileAdded:
		m = StepFileAdded{}
	case kindError:
		var v ErrorMessage
		if err := unmarshalData(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	case kindClose:
		var v Close
		if err := unmarshalData(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	case kindStop:
		m = Stop{}
	case kindUser:
		var v UserMessage
		if err := unmarshalData(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return m, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
