package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client is a message delivered to subscribed clients. The set of
// implementations is closed.
type Client interface {
	clientAction() string
}

type ClientNewFrame struct {
	FrameCount int `json:"frameCount"`
}

type SimHeader struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	FrameCount int    `json:"frameCount"`
	IsOnline   bool   `json:"isOnline"`
}

type ClientError struct {
	Text string `json:"text"`
}

type InfoLog struct {
	Text string `json:"text"`
}

type CloseInfoLog struct{}

// ReloadDone tells clients the simulation was recreated under UUID.
type ReloadDone struct {
	UUID string `json:"uuid,omitempty"`
}

type SimStopped struct{}

// Client wire actions.
const (
	ActionNewFrame     = "newframe"
	ActionSimHeader    = "simheader"
	ActionError        = "error_message"
	ActionInfoLog      = "infolog"
	ActionCloseInfoLog = "closeinfolog"
	ActionReloadDone   = "reloaddone"
	ActionSimStopped   = "simstopped"
)

func (ClientNewFrame) clientAction() string { return ActionNewFrame }
func (SimHeader) clientAction() string      { return ActionSimHeader }
func (ClientError) clientAction() string    { return ActionError }
func (InfoLog) clientAction() string        { return ActionInfoLog }
func (CloseInfoLog) clientAction() string   { return ActionCloseInfoLog }
func (ReloadDone) clientAction() string     { return ActionReloadDone }
func (SimStopped) clientAction() string     { return ActionSimStopped }

// Envelope is the client wire shape: {"action": ..., "data": {...}}.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// ActionOf returns the wire action of m.
func ActionOf(m Client) string { return m.clientAction() }

// EncodeClient serializes m into the client wire shape.
func EncodeClient(m Client) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil client message")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Action: m.clientAction(), Data: data})
}

// Inbound client requests.

// Request is an action sent by a client over the live connection.
type Request interface {
	requestAction() string
}

type ConnectTo struct {
	SimulationID string `json:"simulationId"`
}

type GetHeader struct{}

type StopRequest struct{}

type MessageToInstance struct {
	Payload json.RawMessage `json:"payload"`
}

// Extension is any action the core does not recognize; it is handed to the
// extension callback (for example devreload).
type Extension struct {
	Action string
	Data   json.RawMessage
}

const (
	RequestConnectTo = "connectto"
	RequestGetHeader = "getheader"
	RequestStop      = "stop"
	RequestMessage   = "msgtoinstance"
)

func (ConnectTo) requestAction() string         { return RequestConnectTo }
func (GetHeader) requestAction() string         { return RequestGetHeader }
func (StopRequest) requestAction() string       { return RequestStop }
func (MessageToInstance) requestAction() string { return RequestMessage }
func (e Extension) requestAction() string       { return e.Action }

// ErrMissingAction is returned for requests without an action field.
var ErrMissingAction = errors.New("request has no action")

// DecodeRequest parses an inbound client frame.
func DecodeRequest(b []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	action := strings.ToLower(strings.TrimSpace(env.Action))
	switch action {
	case "":
		return nil, ErrMissingAction
	case RequestConnectTo:
		// the viewer sends the id as a bare string
		var id string
		if err := json.Unmarshal(env.Data, &id); err == nil {
			return ConnectTo{SimulationID: id}, nil
		}
		var v ConnectTo
		if err := unmarshalData(env.Data, &v); err != nil {
			return nil, fmt.Errorf("connectto: %w", err)
		}
		return v, nil
	case RequestGetHeader:
		return GetHeader{}, nil
	case RequestStop:
		return StopRequest{}, nil
	case RequestMessage:
		var v MessageToInstance
		if err := unmarshalData(env.Data, &v); err != nil {
			return nil, fmt.Errorf("msgtoinstance: %w", err)
		}
		return v, nil
	default:
		return Extension{Action: action, Data: env.Data}, nil
	}
}
