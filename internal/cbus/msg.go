package cbus

import "sync/atomic"

// Hop is a single step of a message's route. F runs in the context of the endpoint the message
// has been delivered to. Afterwards the message is pushed to Next, or its route completes if
// Next is nil.
type Hop struct {
	F    func()
	Next *Pipe
}

// Msg is a message travelling between endpoints. A message can be pushed again once its route
// completed.
type Msg struct {
	route []Hop

	// hop and pipe are only accessed by the context currently holding the message. Handing
	// the message over through an endpoint's inbox orders the accesses.
	hop  int
	pipe *Pipe

	inFlight atomic.Bool
}

// NewMsg creates a message with the given route.
func NewMsg(route ...Hop) *Msg {
	return &Msg{route: route}
}

// InFlight reports whether the message's route is in progress.
func (m *Msg) InFlight() bool {
	return m.inFlight.Load()
}

func (m *Msg) complete() {
	m.pipe = nil
	m.inFlight.Store(false)
}
