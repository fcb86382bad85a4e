// Package events is a publish/subscribe layer on top of rpc endpoints.
// Clients register under one or more subscriber ids; the server informs ids
// by calling events.emit on every endpoint registered under them.
package events

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	MethodRegister   = "events.register"
	MethodUnregister = "events.unregister"
	MethodEmit       = "events.emit"
)

var ErrRejected = errors.New("events: registration rejected")

type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data into an event.
func NewEvent(name string, data any) (Event, error) {
	if data == nil {
		return Event{Name: name}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: b}, nil
}

// Registrar maps a client's registration data to the subscriber ids it may
// receive events for.
type Registrar interface {
	Register(ctx context.Context, data json.RawMessage) (ids []string, err error)
}

type RegistrarFunc func(ctx context.Context, data json.RawMessage) ([]string, error)

func (f RegistrarFunc) Register(ctx context.Context, data json.RawMessage) ([]string, error) {
	return f(ctx, data)
}

// IDList trusts the client: its registration data is the list of ids.
var IDList Registrar = RegistrarFunc(func(ctx context.Context, data json.RawMessage) ([]string, error) {
	var ids []string
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
})

// Message is what crosses the broker between server instances.
type Message struct {
	Origin string   `json:"origin"`
	IDs    []string `json:"ids"`
	Event  Event    `json:"event"`
}

// Broker carries informs between server instances so a client connected to
// any instance receives them.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Consume delivers messages to handle until ctx is done.
	Consume(ctx context.Context, handle func(context.Context, Message)) error
}
