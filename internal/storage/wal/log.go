// Package wal implements the write-ahead log the relay streams to replicas. Rows are stored in
// the key-value store under their log sequence number and grouped into segments. Segments are
// the unit of garbage collection.
package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
	"gitlab.com/gitlab-org/walrelay/internal/storage/keyvalue"
)

var (
	// ErrRangeUnavailable is returned when the requested part of the log has already been
	// collected or was never written.
	ErrRangeUnavailable = errors.New("log range unavailable")
	// ErrClosed is returned when operating on a closed log.
	ErrClosed = errors.New("log closed")
)

// DefaultSegmentMaxRows is the number of rows after which a segment is rotated.
const DefaultSegmentMaxRows = 10000

// Options configure a Log.
type Options struct {
	// SegmentMaxRows is the number of rows after which the open segment is rotated.
	SegmentMaxRows uint64
}

type testLogHooks struct {
	// BeforeCollectSegment is triggered before a segment's rows get deleted.
	BeforeCollectSegment func(Segment)
}

// Log is the write-ahead log.
type Log struct {
	// mutex serializes appends, rotations and collections, and protects the in-memory state
	// below.
	mutex  sync.Mutex
	logger log.Logger
	db     keyvalue.Transactioner
	opts   Options

	// vclock is the vclock after the last appended row.
	vclock vclock.VClock
	// segments are ordered by their first sequence number. The last segment is always open.
	segments []Segment
	// watchers are notified about appends and rotations.
	watchers map[*Watcher]struct{}
	closed   bool

	// TestHooks are used in the tests to trigger logic at certain points in the execution.
	TestHooks testLogHooks
}

// Open loads the log from the database. A new log starts with a single empty segment.
func Open(logger log.Logger, db keyvalue.Transactioner, opts Options) (*Log, error) {
	if opts.SegmentMaxRows == 0 {
		opts.SegmentMaxRows = DefaultSegmentMaxRows
	}

	l := &Log{
		logger:   logger.WithField("component", "wal"),
		db:       db,
		opts:     opts,
		vclock:   vclock.New(),
		watchers: map[*Watcher]struct{}{},
	}

	if err := db.View(func(txn keyvalue.ReadWriter) error {
		it := txn.NewIterator(keyvalue.IteratorOptions{Prefix: segmentPrefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var segment Segment
			if err := it.Item().Value(func(value []byte) error { return unmarshal(value, &segment) }); err != nil {
				return fmt.Errorf("unmarshal segment: %w", err)
			}
			l.segments = append(l.segments, segment)
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}

	if len(l.segments) == 0 {
		l.segments = []Segment{{FirstSeq: 1, Start: vclock.New(), End: vclock.New()}}
		if err := l.db.Update(func(txn keyvalue.ReadWriter) error {
			return putSegment(txn, l.segments[0])
		}); err != nil {
			return nil, fmt.Errorf("create segment: %w", err)
		}
	}

	l.vclock = l.segments[len(l.segments)-1].End.Copy()

	l.logger.WithFields(log.Fields{
		"segments": len(l.segments),
		"vclock":   l.vclock.String(),
	}).Info("opened write-ahead log")

	return l, nil
}

func putSegment(txn keyvalue.Writer, segment Segment) error {
	value, err := marshal(segment)
	if err != nil {
		return fmt.Errorf("marshal segment: %w", err)
	}
	return txn.Set(segmentKey(segment.FirstSeq), value)
}

// Append writes a row to the log. A row without an LSN gets the next LSN of its origin assigned.
// Rows with an LSN must be above what the log has seen from their origin already. The row as
// written is returned.
func (l *Log) Append(ctx context.Context, row Row) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	if row.ReplicaID == 0 {
		return Row{}, errors.New("append row: missing replica id")
	}
	if !row.Type.IsDML() {
		return Row{}, fmt.Errorf("append row: unexpected type %s", row.Type)
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return Row{}, ErrClosed
	}

	current := l.vclock.Get(row.ReplicaID)
	if row.LSN == 0 {
		row.LSN = current + 1
	} else if row.LSN <= current {
		return Row{}, fmt.Errorf("append row: LSN %d of instance %d is not above %d", row.LSN, row.ReplicaID, current)
	}
	if row.Timestamp == 0 {
		row.Timestamp = time.Now().UnixNano()
	}

	value, err := marshal(row)
	if err != nil {
		return Row{}, fmt.Errorf("marshal row: %w", err)
	}

	segment := l.openSegment().clone()
	seq := segment.nextSeq()
	segment.Rows++
	segment.End.Follow(row.ReplicaID, row.LSN)

	if err := l.db.Update(func(txn keyvalue.ReadWriter) error {
		if err := txn.Set(rowKey(seq), value); err != nil {
			return fmt.Errorf("set row: %w", err)
		}
		return putSegment(txn, segment)
	}); err != nil {
		return Row{}, fmt.Errorf("append row: %w", err)
	}

	l.segments[len(l.segments)-1] = segment
	l.vclock.Follow(row.ReplicaID, row.LSN)

	events := EventWrite
	if segment.Rows >= l.opts.SegmentMaxRows {
		if err := l.rotate(); err != nil {
			// The row is durable regardless, the next append retries the rotation.
			l.logger.WithError(err).Error("rotate segment")
		} else {
			events |= EventRotate
		}
	}

	l.notify(events)

	return row, nil
}

// Rotate closes the open segment and starts a new one. Rotating an empty segment is a no-op.
func (l *Log) Rotate() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.openSegment().Rows == 0 {
		return nil
	}

	if err := l.rotate(); err != nil {
		return err
	}

	l.notify(EventRotate)
	return nil
}

func (l *Log) rotate() error {
	closed := l.openSegment().clone()
	closed.Closed = true

	next := Segment{
		FirstSeq: closed.nextSeq(),
		Start:    closed.End.Copy(),
		End:      closed.End.Copy(),
	}

	if err := l.db.Update(func(txn keyvalue.ReadWriter) error {
		if err := putSegment(txn, closed); err != nil {
			return err
		}
		return putSegment(txn, next)
	}); err != nil {
		return fmt.Errorf("rotate segment: %w", err)
	}

	l.segments[len(l.segments)-1] = closed
	l.segments = append(l.segments, next)

	l.logger.WithFields(log.Fields{
		"segment": closed.FirstSeq,
		"rows":    closed.Rows,
		"vclock":  closed.End.String(),
	}).Debug("rotated segment")

	return nil
}

func (l *Log) openSegment() Segment {
	return l.segments[len(l.segments)-1]
}

// VClock returns the vclock after the last appended row.
func (l *Log) VClock() vclock.VClock {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.vclock.Copy()
}

// Segments returns a copy of the log's segments in log order.
func (l *Log) Segments() []Segment {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	segments := make([]Segment, 0, len(l.segments))
	for _, segment := range l.segments {
		segments = append(segments, segment.clone())
	}
	return segments
}

// segment returns the segment starting at firstSeq.
func (l *Log) segment(firstSeq uint64) (Segment, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for _, segment := range l.segments {
		if segment.FirstSeq == firstSeq {
			return segment.clone(), true
		}
	}
	return Segment{}, false
}

// Collect deletes the closed segments whose end signature is less than or equal to the given
// signature. The open segment is never collected. It returns the number of collected segments.
func (l *Log) Collect(signature int64) (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	collected := 0
	for len(l.segments) > 1 && l.segments[0].Closed && l.segments[0].End.Sum() <= signature {
		segment := l.segments[0]
		if l.TestHooks.BeforeCollectSegment != nil {
			l.TestHooks.BeforeCollectSegment(segment.clone())
		}

		if err := l.deleteSegment(segment); err != nil {
			return collected, fmt.Errorf("collect segment %d: %w", segment.FirstSeq, err)
		}

		l.segments = l.segments[1:]
		collected++

		l.logger.WithFields(log.Fields{
			"segment": segment.FirstSeq,
			"vclock":  segment.End.String(),
		}).Info("collected segment")
	}

	return collected, nil
}

func (l *Log) deleteSegment(segment Segment) error {
	// The segment description is removed first so that a failure halfway through never leaves a
	// segment whose rows are partially gone.
	if err := l.db.Update(func(txn keyvalue.ReadWriter) error {
		return txn.Delete(segmentKey(segment.FirstSeq))
	}); err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}

	batch := l.db.NewWriteBatch()
	defer batch.Cancel()

	for seq := segment.FirstSeq; seq < segment.nextSeq(); seq++ {
		if err := batch.Delete(rowKey(seq)); err != nil {
			return fmt.Errorf("delete row: %w", err)
		}
	}

	if err := batch.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	return nil
}

// readRows reads up to limit rows starting at seq. The rows must be contiguous.
func (l *Log) readRows(seq uint64, limit uint64) ([]Row, error) {
	rows := make([]Row, 0, limit)

	if err := l.db.View(func(txn keyvalue.ReadWriter) error {
		it := txn.NewIterator(keyvalue.IteratorOptions{Prefix: rowPrefix})
		defer it.Close()

		expected := seq
		for it.Seek(rowKey(seq)); it.Valid() && uint64(len(rows)) < limit; it.Next() {
			actual, err := parseSeq(it.Item().Key(), rowPrefix)
			if err != nil {
				return err
			}
			if actual != expected {
				return fmt.Errorf("%w: row %d missing", ErrRangeUnavailable, expected)
			}

			var row Row
			if err := it.Item().Value(func(value []byte) error { return unmarshal(value, &row) }); err != nil {
				return fmt.Errorf("unmarshal row %d: %w", actual, err)
			}

			rows = append(rows, row)
			expected++
		}

		return nil
	}); err != nil {
		return nil, err
	}

	if uint64(len(rows)) < limit {
		return nil, fmt.Errorf("%w: rows %d-%d missing", ErrRangeUnavailable, seq+uint64(len(rows)), seq+limit-1)
	}

	return rows, nil
}

// Close stops the log. Watchers are woken up one last time so that they can observe the log
// is gone. The database is owned by the caller.
func (l *Log) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.notify(EventClose)

	return nil
}
