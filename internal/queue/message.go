package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformedMessage marks a payload that does not match any message
	// variant. Such messages are poison: they are dropped, never retried.
	ErrMalformedMessage = errors.New("malformed queue message")

	// ErrUnhandledType marks a valid message whose variant has no dispatch
	// case. It is a programming defect and the message is acknowledged.
	ErrUnhandledType = errors.New("unhandled queue message type")
)

// MessageType discriminates the message union.
type MessageType string

// TypeEmail is the only message variant.
const TypeEmail MessageType = "EMAIL"

// Message is the closed union of queue payloads. The unexported marker
// method keeps implementations inside this package, so the dispatch switch
// in Consumer covers every variant.
type Message interface {
	Type() MessageType
	isMessage()
}

// EmailData is the payload of an EMAIL message.
type EmailData struct {
	To             string            `json:"to"`
	Subject        string            `json:"subject"`
	HTML           string            `json:"html"`
	Headers        map[string]string `json:"headers,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

// EmailMessage asks for one email to be delivered.
type EmailMessage struct {
	Data EmailData
}

func (*EmailMessage) Type() MessageType { return TypeEmail }
func (*EmailMessage) isMessage()        {}

// NewEmailMessage builds an EMAIL message.
func NewEmailMessage(data EmailData) *EmailMessage {
	return &EmailMessage{Data: data}
}

// envelope is the wire form {type, data}.
type envelope struct {
	Type MessageType     `json:"type" validate:"required"`
	Data json.RawMessage `json:"data" validate:"required"`
}

// emailWire uses pointers so an absent field is distinguishable from "".
type emailWire struct {
	To             *string           `json:"to" validate:"required"`
	Subject        *string           `json:"subject" validate:"required"`
	HTML           *string           `json:"html" validate:"required"`
	Headers        map[string]string `json:"headers,omitempty"`
	IdempotencyKey *string           `json:"idempotencyKey,omitempty"`
}

var validate = validator.New()

// Parse decodes and validates a raw payload. Any failure wraps ErrMalformedMessage.
func Parse(body []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case TypeEmail:
		var w emailWire
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrMalformedMessage, err)
		}
		if err := validate.Struct(w); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrMalformedMessage, err)
		}
		data := EmailData{To: *w.To, Subject: *w.Subject, HTML: *w.HTML, Headers: w.Headers}
		if w.IdempotencyKey != nil {
			data.IdempotencyKey = *w.IdempotencyKey
		}
		return &EmailMessage{Data: data}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}

// Encode returns the wire form of m.
func Encode(m Message) ([]byte, error) {
	var data any
	switch msg := m.(type) {
	case *EmailMessage:
		data = msg.Data
	default:
		return nil, fmt.Errorf("cannot encode queue message of type %T", m)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Type(), Data: raw})
}
