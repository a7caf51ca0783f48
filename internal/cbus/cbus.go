// Package cbus passes messages between execution contexts. Every context owns an Endpoint and
// processes the messages delivered to it in its own goroutine. Other contexts reach it through a
// Pipe. Messages carry a route of hops so that they can travel to another context and back
// without the sender blocking.
package cbus

import (
	"errors"
	"fmt"
	"sync"

	"gitlab.com/gitlab-org/walrelay/internal/log"
)

var (
	// ErrPipeFull is returned when a pipe already has as many undelivered messages as its
	// capacity allows.
	ErrPipeFull = errors.New("pipe full")
	// ErrEndpointClosed is returned when pushing to an endpoint that has been closed.
	ErrEndpointClosed = errors.New("endpoint closed")
	// ErrMsgInFlight is returned when pushing a message whose route hasn't completed yet.
	ErrMsgInFlight = errors.New("message in flight")
	// ErrEndpointExists is returned when creating an endpoint with a name already in use.
	ErrEndpointExists = errors.New("endpoint already exists")
	// ErrEndpointNotFound is returned when connecting a pipe to an unknown endpoint.
	ErrEndpointNotFound = errors.New("endpoint not found")
)

// Bus is the directory of endpoints.
type Bus struct {
	mutex     sync.Mutex
	logger    log.Logger
	endpoints map[string]*Endpoint
}

// NewBus returns a new bus without endpoints.
func NewBus(logger log.Logger) *Bus {
	return &Bus{
		logger:    logger.WithField("component", "cbus"),
		endpoints: map[string]*Endpoint{},
	}
}

// NewEndpoint creates the endpoint of a context. The name must be unique on the bus until the
// endpoint is closed.
func (b *Bus) NewEndpoint(name string) (*Endpoint, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, ok := b.endpoints[name]; ok {
		return nil, fmt.Errorf("new endpoint %q: %w", name, ErrEndpointExists)
	}

	e := newEndpoint(b, name)
	b.endpoints[name] = e
	return e, nil
}

// Pipe connects a new pipe to the named endpoint. A capacity of zero means the pipe is
// unbounded.
func (b *Bus) Pipe(name string, capacity int) (*Pipe, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	e, ok := b.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("connect pipe to %q: %w", name, ErrEndpointNotFound)
	}

	return e.NewPipe(capacity), nil
}

func (b *Bus) remove(e *Endpoint) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.endpoints[e.name] == e {
		delete(b.endpoints, e.name)
	}
}
