package wal

import "sync/atomic"

// Event is a bitmask of changes to the log.
type Event uint32

const (
	// EventWrite is raised after new rows became durable.
	EventWrite Event = 1 << iota
	// EventRotate is raised after the open segment has been rotated.
	EventRotate
	// EventClose is raised when the log is closed.
	EventClose
)

// Watcher receives notifications about changes to the log. Events raised while the watcher
// hasn't consumed the previous ones are coalesced.
type Watcher struct {
	name   string
	events atomic.Uint32
	wakeup chan struct{}
}

// Name returns the name the watcher was registered with.
func (w *Watcher) Name() string {
	return w.name
}

// C returns the channel signalled when events are pending.
func (w *Watcher) C() <-chan struct{} {
	return w.wakeup
}

// Events returns and clears the pending events.
func (w *Watcher) Events() Event {
	return Event(w.events.Swap(0))
}

func (w *Watcher) raise(events Event) {
	for {
		old := w.events.Load()
		if w.events.CompareAndSwap(old, old|uint32(events)) {
			break
		}
	}

	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

// Watch registers a new watcher. The watcher starts with a pending EventWrite so that its owner
// catches up with rows written before the registration.
func (l *Log) Watch(name string) *Watcher {
	w := &Watcher{name: name, wakeup: make(chan struct{}, 1)}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.watchers[w] = struct{}{}
	if l.closed {
		w.raise(EventClose)
	} else {
		w.raise(EventWrite)
	}

	return w
}

// Unwatch removes the watcher. No events are raised on it afterwards.
func (l *Log) Unwatch(w *Watcher) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.watchers, w)
}

// notify must be called with the mutex held.
func (l *Log) notify(events Event) {
	for w := range l.watchers {
		w.raise(events)
	}
}
