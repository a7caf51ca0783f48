package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/walrelay/internal/cbus"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/replication/replicaset"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
	"gitlab.com/gitlab-org/walrelay/internal/replication/wire"
	"gitlab.com/gitlab-org/walrelay/internal/storage/wal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"
	"golang.org/x/time/rate"
)

// dropWarningInterval is the minimum interval between two warnings about dropped GC advances.
const dropWarningInterval = 10 * time.Second

// State is the lifecycle state of a relay.
type State int32

const (
	// StateNone is the state of a relay that hasn't started yet.
	StateNone State = iota
	// StateInitialJoin streams the data set.
	StateInitialJoin
	// StateFinalJoin streams a fixed range of the log.
	StateFinalJoin
	// StateSubscribe streams the log as it is written.
	StateSubscribe
	// StateClosing tears the relay down.
	StateClosing
	// StateStopped is the terminal state.
	StateStopped
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateInitialJoin:
		return "INITIAL_JOIN"
	case StateFinalJoin:
		return "FINAL_JOIN"
	case StateSubscribe:
		return "SUBSCRIBE"
	case StateClosing:
		return "CLOSING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// knownPosition is the replica's position as acknowledged by the transaction processor. It is
// written by the transaction processor while the relay's hot fields are written by the relay's
// goroutines, so it lives on its own cache line.
type knownPosition struct {
	_      cpu.CacheLinePad
	vclock atomic.Pointer[vclock.VClock]
	_      cpu.CacheLinePad
}

func (p *knownPosition) load() vclock.VClock {
	if vc := p.vclock.Load(); vc != nil {
		return *vc
	}
	return nil
}

func (p *knownPosition) store(vc vclock.VClock) {
	p.vclock.Store(&vc)
}

// statusMsg carries the relay's view of the replica's position to the transaction processor
// and back. It is reused for every round trip.
type statusMsg struct {
	*cbus.Msg
	// vclock is written by the relay before the message is pushed and read by the
	// transaction processor.
	vclock vclock.VClock
}

// Relay is a session streaming to a single replica.
type Relay struct {
	manager *Manager
	logger  log.Logger
	conn    *wire.Conn
	// sync is the request token sent with every packet.
	sync    uint64
	replica *replicaset.Replica
	version uint32
	state   atomic.Int32
	// subscribed is set once the relay started streaming the log.
	subscribed atomic.Bool

	// cursor is the relay's position in the log. It is only used by the main loop.
	cursor *wal.Cursor
	// lastRowTime is the time the last row or heartbeat was sent.
	lastRowTime time.Time
	// pendingGC are the positions of finished segments not acknowledged by the replica yet.
	pendingGC gcScheduler
	// dropWarning throttles the warnings about GC advances which couldn't be scheduled.
	dropWarning rate.Sometimes
	status      statusMsg
	txPipe      *cbus.Pipe
	// exiting is set once the connection must not be written to anymore.
	exiting atomic.Bool

	// recvVClock is the vclock of the last acknowledgment, owned by the reader.
	recvVClock atomic.Pointer[vclock.VClock]
	// ackReceived is signalled by the reader after every acknowledgment.
	ackReceived chan struct{}

	// diag is the error the relay terminates with. The first error recorded wins.
	diagMutex sync.Mutex
	diag      error

	known knownPosition
}

func (m *Manager) newRelay(ctx context.Context, conn *wire.Conn, sync uint64, replica *replicaset.Replica) *Relay {
	fields := log.Fields{"peer": conn.RemoteAddr().String()}
	if correlationID := correlation.ExtractFromContext(ctx); correlationID != "" {
		fields[correlation.FieldName] = correlationID
	}
	if replica != nil {
		fields["replica_id"] = replica.ID()
		fields["replica_uuid"] = replica.UUID().String()
	}

	return &Relay{
		manager:     m,
		logger:      m.logger.WithFields(fields),
		conn:        conn,
		sync:        sync,
		replica:     replica,
		ackReceived: make(chan struct{}, 1),
		dropWarning: rate.Sometimes{Interval: dropWarningInterval},
	}
}

// State returns the lifecycle state of the relay.
func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(state State) {
	if state == StateSubscribe {
		r.subscribed.Store(true)
	}

	previous := State(r.state.Swap(int32(state)))
	if previous == state {
		return
	}

	r.manager.metrics.transition(previous, state)
	r.logger.WithFields(log.Fields{
		"previous_state": previous.String(),
		"state":          state.String(),
	}).Debug("relay state changed")
}

// KnownVClock returns the replica's position as acknowledged by the transaction processor.
func (r *Relay) KnownVClock() vclock.VClock {
	return r.known.load().Copy()
}

// Subscribed reports whether the relay started streaming the log to the replica.
func (r *Relay) Subscribed() bool {
	return r.subscribed.Load()
}

func (r *Relay) sendPacket(packet *wire.Packet) error {
	if r.exiting.Load() {
		return errors.New("relay is exiting")
	}

	packet.Sync = r.sync
	if err := r.conn.WritePacket(packet); err != nil {
		r.exiting.Store(true)
		return err
	}

	r.lastRowTime = time.Now()
	return nil
}

// sendRow sends a row unless it originates from the replica itself.
func (r *Relay) sendRow(row wal.Row) error {
	if r.replica != nil && row.ReplicaID == r.replica.ID() {
		return nil
	}

	if err := r.sendPacket(row.Packet(r.sync)); err != nil {
		return fmt.Errorf("send row: %w", err)
	}

	r.manager.metrics.rowsSent.WithLabelValues(r.State().String()).Inc()
	return nil
}

func (r *Relay) sendHeartbeat() error {
	if err := r.sendPacket(wire.NewHeartbeat(r.manager.cfg.InstanceID, time.Now())); err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}

	r.manager.metrics.heartbeatsSent.Inc()
	return nil
}

// setDiag records the error the relay terminates with. It reports whether the error was
// recorded, only the first one is.
func (r *Relay) setDiag(err error) bool {
	r.diagMutex.Lock()
	defer r.diagMutex.Unlock()

	if r.diag != nil {
		r.logger.WithError(err).Debug("discarding relay error, already failing")
		return false
	}

	r.diag = err
	return true
}

func (r *Relay) diagnostic() error {
	r.diagMutex.Lock()
	defer r.diagMutex.Unlock()
	return r.diag
}

// readAcks reads the replica's acknowledgments until the context is cancelled. Failures are
// recorded as the relay's diagnostic and cancel the relay.
func (r *Relay) readAcks(ctx context.Context, cancel context.CancelFunc) {
	for {
		packet, err := r.conn.ReadPacket(ctx, r.manager.cfg.DisconnectTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if r.setDiag(fmt.Errorf("read acknowledgment: %w", err)) {
				cancel()
			}
			return
		}

		vc, err := packet.DecodeVClock()
		if err != nil {
			if r.setDiag(fmt.Errorf("decode acknowledgment: %w", err)) {
				cancel()
			}
			return
		}

		r.recvVClock.Store(&vc)

		select {
		case r.ackReceived <- struct{}{}:
		default:
		}
	}
}

// ackVClock is the replica's position the status and GC feedback are derived from. Replicas
// older than the configured version never acknowledge with their vclock, for them the relay's
// own position is used.
func (r *Relay) ackVClock() vclock.VClock {
	if r.version < r.manager.cfg.VClockAckVersion {
		return r.cursor.VClock()
	}
	return *r.recvVClock.Load()
}

// txStatusUpdate runs in the transaction processor.
func (r *Relay) txStatusUpdate() {
	// The replica's position never moves backwards even if it acknowledges an older one.
	if r.status.vclock.Sum() < r.known.load().Sum() {
		return
	}

	r.known.store(r.status.vclock.Copy())
	r.manager.metrics.statusUpdates.Inc()
	r.manager.metrics.knownSignature.WithLabelValues(r.replica.UUID().String()).Set(float64(r.status.vclock.Sum()))
}

// onCloseLog is called by the cursor when it finished a segment.
func (r *Relay) onCloseLog(vc vclock.VClock) {
	r.pendingGC.add(vc.Sum())
}

// scheduleGC issues the GC advance to the transaction processor. It reports false if the pipe
// doesn't take the advance, the scheduler keeps it for the next attempt then.
func (r *Relay) scheduleGC(signature int64) bool {
	logger := r.logger
	replica := r.replica
	msg := cbus.NewMsg(cbus.Hop{F: func() {
		r.manager.txAdvanceGC(logger, replica, signature)
	}})

	if err := r.txPipe.Push(msg); err != nil {
		r.manager.metrics.gcAdvancesDropped.Inc()
		r.dropWarning.Do(func() {
			r.logger.WithError(err).WithField("signature", signature).Warn("deferring gc advance")
		})
		return false
	}

	return true
}

// streamRows sends the rows appended to the log since the last call.
func (r *Relay) streamRows(ctx context.Context) error {
	if r.exiting.Load() {
		return nil
	}

	if err := r.cursor.Recover(ctx, nil, r.sendRow); err != nil {
		return fmt.Errorf("stream rows: %w", err)
	}

	return nil
}

func (r *Relay) subscribe(ctx context.Context) (returnedErr error) {
	cfg := r.manager.cfg

	endpoint, err := r.manager.bus.NewEndpoint("relay " + r.replica.UUID().String())
	if err != nil {
		return fmt.Errorf("create relay endpoint: %w", err)
	}
	defer endpoint.Close()

	r.txPipe, err = r.manager.bus.Pipe(TxEndpoint, cfg.PipeCapacity)
	if err != nil {
		return fmt.Errorf("connect to transaction processor: %w", err)
	}

	r.status.Msg = cbus.NewMsg(
		cbus.Hop{F: r.txStatusUpdate, Next: endpoint.NewPipe(0)},
		cbus.Hop{},
	)
	r.pendingGC.schedule = r.scheduleGC

	r.cursor.OnCloseLog(r.onCloseLog)
	watcher := r.manager.log.Watch("relay " + r.replica.UUID().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readerCtx, stopReader := context.WithCancel(ctx)
	var reader errgroup.Group
	reader.Go(func() error {
		r.readAcks(readerCtx, cancel)
		return nil
	})

	defer func() {
		r.setState(StateClosing)

		stopReader()
		_ = reader.Wait()

		r.exiting.Store(true)
		r.cursor.OnCloseLog(nil)
		r.manager.log.Unwatch(watcher)

		// Wait for the status and GC messages still travelling so that none of them refers
		// to the relay once it's gone.
		flushCtx, cancelFlush := context.WithTimeout(context.WithoutCancel(ctx), cfg.DisconnectTimeout)
		defer cancelFlush()
		if err := r.txPipe.Flush(flushCtx, endpoint); err != nil && !errors.Is(err, cbus.ErrEndpointClosed) {
			r.logger.WithError(err).Warn("flush transaction processor pipe")
		}

		if diag := r.diagnostic(); diag != nil {
			returnedErr = diag
		}

		r.logger.WithError(returnedErr).Info("relay stopped")
	}()

	// The state publishes the fields set up above to readers of the relay.
	r.setState(StateSubscribe)
	r.logger.WithField("vclock", r.cursor.VClock().String()).Info("relay subscribed")

	r.lastRowTime = time.Now()
	if r.cursor.VClock().Sum() == r.manager.log.VClock().Sum() {
		if err := r.sendHeartbeat(); err != nil {
			r.setDiag(err)
			return err
		}
	}

	interval := cfg.heartbeatInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(r.lastRowTime.Add(interval)))

		select {
		case <-ctx.Done():
			return nil
		case <-watcher.C():
			if watcher.Events()&wal.EventClose != 0 {
				r.setDiag(ErrLogClosed)
				return ErrLogClosed
			}
			if err := r.streamRows(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.setDiag(err)
				return err
			}
		case <-r.ackReceived:
		case <-endpoint.Signal():
		case <-timer.C:
		}

		endpoint.Process()

		if time.Since(r.lastRowTime) >= interval {
			if err := r.sendHeartbeat(); err != nil {
				r.setDiag(err)
				return err
			}
		}

		ack := r.ackVClock()
		if !r.status.InFlight() && ack.Sum() != r.status.vclock.Sum() {
			r.pushStatus(ack)
		}

		r.pendingGC.ack(ack.Sum())
	}
}

// pushStatus sends the replica's position to the transaction processor. If the pipe is full the
// previous position is kept so that the next iteration retries.
func (r *Relay) pushStatus(ack vclock.VClock) {
	reported := r.status.vclock
	r.status.vclock = ack
	if err := r.txPipe.Push(r.status.Msg); err != nil {
		r.status.vclock = reported
		r.logger.WithError(err).Warn("push status update")
	}
}
