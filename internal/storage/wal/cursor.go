package wal

import (
	"context"
	"fmt"

	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
)

// recoverBatchSize is the number of rows read from the database at once.
const recoverBatchSize = 256

// Cursor is a restartable position in the log. It is not safe for concurrent use.
type Cursor struct {
	log *Log
	// vclock is the position of the cursor. Rows at or below it are skipped.
	vclock vclock.VClock
	// segment is the first sequence number of the segment the cursor is in.
	segment uint64
	// seq is the sequence number of the next row to read.
	seq uint64

	onCloseLog func(vclock.VClock)
}

// NewCursor creates a cursor positioned at start. The cursor starts reading from the latest
// segment whose start vclock is covered by start. ErrRangeUnavailable is returned if no such
// segment is retained anymore.
func (l *Log) NewCursor(start vclock.VClock) (*Cursor, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	found := false
	var segment Segment
	for _, candidate := range l.segments {
		if candidate.Start.LessOrEqual(start) {
			segment = candidate
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s precedes the oldest retained segment starting at %s",
			ErrRangeUnavailable, start, l.segments[0].Start)
	}

	return &Cursor{
		log:     l,
		vclock:  start.Copy(),
		segment: segment.FirstSeq,
		seq:     segment.FirstSeq,
	}, nil
}

// VClock returns the position of the cursor.
func (c *Cursor) VClock() vclock.VClock {
	return c.vclock.Copy()
}

// OnCloseLog sets the function called every time the cursor leaves a closed segment. It is
// called with the cursor's position at the end of the segment. A nil function clears it.
func (c *Cursor) OnCloseLog(fn func(vclock.VClock)) {
	c.onCloseLog = fn
}

// Recover streams the rows after the cursor's position to send in log order. With a nil stop
// it returns once the end of the log has been reached. Otherwise it returns as soon as the
// cursor reached stop, and ErrRangeUnavailable if the log ends before that.
func (c *Cursor) Recover(ctx context.Context, stop vclock.VClock, send func(Row) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stop != nil && stop.LessOrEqual(c.vclock) {
			return nil
		}

		segment, ok := c.log.segment(c.segment)
		if !ok {
			return fmt.Errorf("%w: segment %d has been collected", ErrRangeUnavailable, c.segment)
		}

		if c.seq >= segment.nextSeq() {
			if !segment.Closed {
				if stop != nil {
					return fmt.Errorf("%w: log ends at %s before %s", ErrRangeUnavailable, c.vclock, stop)
				}
				return nil
			}

			c.segment = segment.nextSeq()
			if c.onCloseLog != nil {
				c.onCloseLog(c.vclock.Copy())
			}
			continue
		}

		rows, err := c.log.readRows(c.seq, min(recoverBatchSize, segment.nextSeq()-c.seq))
		if err != nil {
			return fmt.Errorf("read rows: %w", err)
		}

		for _, row := range rows {
			c.seq++
			if row.LSN <= c.vclock.Get(row.ReplicaID) {
				continue
			}
			c.vclock.Follow(row.ReplicaID, row.LSN)

			if err := send(row); err != nil {
				return err
			}

			if stop != nil && stop.LessOrEqual(c.vclock) {
				return nil
			}
		}
	}
}
