package cbus

import (
	"context"
	"sync"
	"sync/atomic"

	"gitlab.com/gitlab-org/walrelay/internal/log"
)

// Endpoint is the receiving side of a context.
type Endpoint struct {
	bus    *Bus
	name   string
	logger log.Logger

	mutex  sync.Mutex
	inbox  []*Msg
	closed bool

	// wakeup is signalled when messages have been delivered to the inbox.
	wakeup chan struct{}
}

func newEndpoint(bus *Bus, name string) *Endpoint {
	return &Endpoint{
		bus:    bus,
		name:   name,
		logger: bus.logger.WithField("endpoint", name),
		wakeup: make(chan struct{}, 1),
	}
}

// Name returns the name of the endpoint.
func (e *Endpoint) Name() string {
	return e.name
}

// NewPipe connects a new pipe to the endpoint. A capacity of zero means the pipe is unbounded.
func (e *Endpoint) NewPipe(capacity int) *Pipe {
	return &Pipe{dest: e, capacity: int64(capacity)}
}

// Signal returns the channel signalled when messages are ready to be processed.
func (e *Endpoint) Signal() <-chan struct{} {
	return e.wakeup
}

func (e *Endpoint) deliver(m *Msg) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return ErrEndpointClosed
	}

	e.inbox = append(e.inbox, m)

	select {
	case e.wakeup <- struct{}{}:
	default:
	}

	return nil
}

func (e *Endpoint) take() []*Msg {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	inbox := e.inbox
	e.inbox = nil
	return inbox
}

// Process runs the current hop of every message delivered so far in the calling goroutine and
// forwards them along their routes. It returns the number of messages processed.
func (e *Endpoint) Process() int {
	inbox := e.take()

	for _, m := range inbox {
		m.pipe.pending.Add(-1)

		hop := m.route[m.hop]
		m.hop++
		if hop.F != nil {
			hop.F()
		}

		if hop.Next == nil || m.hop >= len(m.route) {
			m.complete()
			continue
		}

		if err := hop.Next.forward(m); err != nil {
			e.logger.WithError(err).WithField("destination", hop.Next.dest.name).Warn("dropping message")
			m.complete()
		}
	}

	return len(inbox)
}

// Run processes messages until the context is cancelled. It is used by contexts that do nothing
// but serve their endpoint.
func (e *Endpoint) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wakeup:
			e.Process()
		}
	}
}

// Close stops accepting messages and discards the ones not processed yet. It returns the
// number of discarded messages.
func (e *Endpoint) Close() int {
	e.mutex.Lock()
	e.closed = true
	inbox := e.inbox
	e.inbox = nil
	e.mutex.Unlock()

	e.bus.remove(e)

	for _, m := range inbox {
		m.pipe.pending.Add(-1)
		m.complete()
	}

	if len(inbox) > 0 {
		e.logger.WithField("discarded", len(inbox)).Debug("discarded pending messages")
	}

	return len(inbox)
}

// Pipe delivers messages to an endpoint.
type Pipe struct {
	dest     *Endpoint
	capacity int64
	// pending is the number of messages pushed through the pipe not processed yet.
	pending atomic.Int64
}

// Endpoint returns the destination of the pipe.
func (p *Pipe) Endpoint() *Endpoint {
	return p.dest
}

// Pending returns the number of messages in the pipe.
func (p *Pipe) Pending() int {
	return int(p.pending.Load())
}

// Push starts the route of the message by delivering it to the pipe's endpoint. It never blocks.
func (p *Pipe) Push(m *Msg) error {
	if len(m.route) == 0 {
		panic("cbus: message without route")
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		return ErrMsgInFlight
	}

	m.hop = 0
	if err := p.push(m, true); err != nil {
		m.complete()
		return err
	}

	return nil
}

func (p *Pipe) forward(m *Msg) error {
	return p.push(m, true)
}

func (p *Pipe) push(m *Msg, bounded bool) error {
	if pending := p.pending.Add(1); bounded && p.capacity > 0 && pending > p.capacity {
		p.pending.Add(-1)
		return ErrPipeFull
	}

	m.pipe = p
	if err := p.dest.deliver(m); err != nil {
		p.pending.Add(-1)
		return err
	}

	return nil
}

// Flush waits until every message pushed through the pipe before the call has been processed by
// its endpoint and the replies routed to back have been processed too. The calling goroutine
// must own back, its messages are processed while waiting.
func (p *Pipe) Flush(ctx context.Context, back *Endpoint) error {
	done := make(chan struct{})
	marker := &Msg{route: []Hop{
		{Next: back.NewPipe(0)},
		{F: func() { close(done) }},
	}}
	marker.inFlight.Store(true)

	if err := p.push(marker, false); err != nil {
		return err
	}

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-back.Signal():
			back.Process()
		}
	}
}
