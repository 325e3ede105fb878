package rpc

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageType tags the body of a frame.
type MessageType uint8

const (
	MessageHello MessageType = iota + 1
	MessageHelloAck
	MessageRequest
	MessageResponse
)

func (t MessageType) String() string {
	switch t {
	case MessageHello:
		return "hello"
	case MessageHelloAck:
		return "hello_ack"
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	default:
		return fmt.Sprintf("message(%d)", uint8(t))
	}
}

// Hello introduces a node after the transport handshake. The acceptor
// answers with a HelloAck carrying its own identity, or an error before it
// closes the connection.
type Hello struct {
	NodeName string `cbor:"1,keyasint"`
	Cluster  string `cbor:"2,keyasint"`
	Error    string `cbor:"3,keyasint,omitempty"`
}

// Request is one call on a connection.
type Request struct {
	ID      string `cbor:"1,keyasint"`
	Action  string `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID      string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint,omitempty"`
	Error   string `cbor:"3,keyasint,omitempty"`
}

type envelope struct {
	Type     MessageType `cbor:"1,keyasint"`
	Hello    *Hello      `cbor:"2,keyasint,omitempty"`
	Request  *Request    `cbor:"3,keyasint,omitempty"`
	Response *Response   `cbor:"4,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	errMalformed = errors.New("malformed message")
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 16,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

func encode(env envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(env)
}

func decode(data []byte) (envelope, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := env.validate(); err != nil {
		return envelope{}, err
	}
	return env, nil
}

func (e envelope) validate() error {
	switch e.Type {
	case MessageHello, MessageHelloAck:
		if e.Hello == nil {
			return fmt.Errorf("%w: %s without body", errMalformed, e.Type)
		}
	case MessageRequest:
		if e.Request == nil || e.Request.ID == "" || e.Request.Action == "" {
			return fmt.Errorf("%w: request needs an id and an action", errMalformed)
		}
	case MessageResponse:
		if e.Response == nil || e.Response.ID == "" {
			return fmt.Errorf("%w: response needs an id", errMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", errMalformed, e.Type)
	}
	return nil
}
