// Package server accepts replica connections and hands them to the relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/replication/relay"
	"gitlab.com/gitlab-org/walrelay/internal/replication/replicaset"
	"gitlab.com/gitlab-org/walrelay/internal/replication/wire"
	"gitlab.com/gitlab-org/walrelay/internal/storage/gc"
	"gitlab.com/gitlab-org/walrelay/internal/storage/wal"
	"golang.org/x/sync/errgroup"
)

// DefaultRequestTimeout bounds the wait for the request on a new connection.
const DefaultRequestTimeout = 30 * time.Second

// ErrUnknownReplica is returned to replicas subscribing without having joined.
var ErrUnknownReplica = errors.New("replica has not joined")

// Server serves replication requests.
type Server struct {
	logger         log.Logger
	manager        *relay.Manager
	replicaset     *replicaset.Replicaset
	log            *wal.Log
	registry       *gc.Registry
	requestTimeout time.Duration
}

// New returns a new server.
func New(logger log.Logger, manager *relay.Manager, rs *replicaset.Replicaset, log *wal.Log, registry *gc.Registry) *Server {
	return &Server{
		logger:         logger.WithField("component", "server"),
		manager:        manager,
		replicaset:     rs,
		log:            log,
		registry:       registry,
		requestTimeout: DefaultRequestTimeout,
	}
}

// Serve accepts connections on the listener until the context is cancelled. It returns after all
// connections have been closed.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		_ = listener.Close()
		return nil
	})

	group.Go(func() error {
		s.logger.WithField("address", listener.Addr().String()).Info("accepting replica connections")

		for {
			nc, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}

			group.Go(func() error {
				s.handle(ctx, wire.NewConn(nc))
				return nil
			})
		}
	})

	return group.Wait()
}

func (s *Server) handle(ctx context.Context, conn *wire.Conn) {
	// Every connection gets its own correlation id, the relay serving it logs with it too.
	ctx = correlation.ContextWithCorrelation(ctx, correlation.SafeRandomID())
	logger := s.logger.WithFields(log.Fields{
		"peer":                conn.RemoteAddr().String(),
		correlation.FieldName: correlation.ExtractFromContext(ctx),
	})
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.WithError(err).Debug("close connection")
		}
	}()

	request, err := conn.ReadPacket(ctx, s.requestTimeout)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Warn("read request")
		}
		return
	}

	logger = logger.WithField("request", request.Type.String())

	switch request.Type {
	case wire.TypeJoin:
		err = s.join(ctx, conn, request)
	case wire.TypeSubscribe:
		err = s.subscribe(ctx, conn, request)
	default:
		err = requestError{fmt.Errorf("unexpected request %s", request.Type)}
	}

	var reqErr requestError
	switch {
	case err == nil:
	case errors.As(err, &reqErr):
		logger.WithError(err).Warn("rejected request")
		if err := conn.WritePacket(wire.NewError(request.Sync, reqErr.err)); err != nil {
			logger.WithError(err).Debug("send error")
		}
	case ctx.Err() != nil:
		logger.WithError(err).Info("connection closed on shutdown")
	default:
		logger.WithError(err).Error("relay failed")
	}
}

// requestError is an error reported back to the replica. Other errors just end the connection.
type requestError struct {
	err error
}

func (e requestError) Error() string { return e.err.Error() }

func (e requestError) Unwrap() error { return e.err }

// join sends the data set followed by the rows written meanwhile. An OK packet with the vclock
// terminates both parts, the last one carries the replica's id.
func (s *Server) join(ctx context.Context, conn *wire.Conn, request *wire.Packet) error {
	replicaUUID, err := request.DecodeUUID()
	if err != nil {
		return requestError{err}
	}

	replica, err := s.replicaset.Register(replicaUUID)
	if err != nil {
		return requestError{err}
	}

	// Hold the log from the current position on so that the final join finds it.
	if replica.GC() == nil {
		consumer, err := s.registry.Register(replica.GCName(), s.log.VClock().Sum())
		if err != nil {
			return fmt.Errorf("register gc consumer: %w", err)
		}
		replica.SetGC(consumer)
	}

	start, err := s.manager.InitialJoin(ctx, conn, request.Sync)
	if err != nil {
		return err
	}
	if err := conn.WritePacket(&wire.Packet{Type: wire.TypeOK, Sync: request.Sync, VClock: start}); err != nil {
		return fmt.Errorf("send initial join response: %w", err)
	}

	stop := s.log.VClock()
	if err := s.manager.FinalJoin(ctx, conn, request.Sync, start, stop); err != nil {
		if errors.Is(err, wal.ErrRangeUnavailable) {
			return requestError{err}
		}
		return err
	}

	if err := conn.WritePacket(&wire.Packet{
		Type:      wire.TypeOK,
		Sync:      request.Sync,
		ReplicaID: replica.ID(),
		VClock:    stop,
	}); err != nil {
		return fmt.Errorf("send final join response: %w", err)
	}

	return nil
}

func (s *Server) subscribe(ctx context.Context, conn *wire.Conn, request *wire.Packet) error {
	replicaUUID, err := request.DecodeUUID()
	if err != nil {
		return requestError{err}
	}

	vc, err := request.DecodeVClock()
	if err != nil {
		return requestError{err}
	}

	replica, ok := s.replicaset.Lookup(replicaUUID)
	if !ok {
		return requestError{fmt.Errorf("%w: %s", ErrUnknownReplica, replicaUUID)}
	}

	if err := s.manager.Subscribe(ctx, conn, request.Sync, replica, vc, request.Version); err != nil {
		if errors.Is(err, replicaset.ErrDuplicateConnection) || errors.Is(err, wal.ErrRangeUnavailable) {
			return requestError{err}
		}
		return err
	}

	return nil
}
