package wal

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
	"gitlab.com/gitlab-org/walrelay/internal/replication/wire"
)

// Row is a single change recorded in the log.
type Row struct {
	// Type is one of the DML packet types.
	Type wire.Type `msgpack:"t"`
	// ReplicaID is the instance the row originates from.
	ReplicaID uint32 `msgpack:"r"`
	// LSN is the sequence number of the row within its origin.
	LSN int64 `msgpack:"l"`
	// Timestamp is the time the row was created in nanoseconds since the epoch.
	Timestamp int64  `msgpack:"tm"`
	Key       []byte `msgpack:"k"`
	Value     []byte `msgpack:"v,omitempty"`
}

// Packet converts the row into its wire representation.
func (r Row) Packet(sync uint64) *wire.Packet {
	return &wire.Packet{
		Type:      r.Type,
		Sync:      sync,
		ReplicaID: r.ReplicaID,
		LSN:       r.LSN,
		Timestamp: r.Timestamp,
		Key:       r.Key,
		Value:     r.Value,
	}
}

// Time returns the row's timestamp.
func (r Row) Time() time.Time {
	return time.Unix(0, r.Timestamp)
}

// RowFromPacket converts a DML packet into a row.
func RowFromPacket(p *wire.Packet) (Row, error) {
	if !p.Type.IsDML() {
		return Row{}, fmt.Errorf("%w: %s is not a row", wire.ErrMalformedPacket, p.Type)
	}

	return Row{
		Type:      p.Type,
		ReplicaID: p.ReplicaID,
		LSN:       p.LSN,
		Timestamp: p.Timestamp,
		Key:       p.Key,
		Value:     p.Value,
	}, nil
}

// Segment is a contiguous range of rows. Only the last segment of the log is open for appends.
type Segment struct {
	// FirstSeq is the log sequence number of the first row in the segment.
	FirstSeq uint64 `msgpack:"first_seq"`
	// Rows is the number of rows in the segment.
	Rows uint64 `msgpack:"rows"`
	// Start is the vclock of the log before the first row of the segment.
	Start vclock.VClock `msgpack:"start"`
	// End is the vclock of the log after the last row of the segment.
	End vclock.VClock `msgpack:"end"`
	// Closed is set once the segment was rotated.
	Closed bool `msgpack:"closed"`
}

// nextSeq returns the sequence number following the last row of the segment.
func (s Segment) nextSeq() uint64 {
	return s.FirstSeq + s.Rows
}

func (s Segment) clone() Segment {
	s.Start = s.Start.Copy()
	s.End = s.End.Copy()
	return s
}

var (
	rowPrefix     = []byte("row/")
	segmentPrefix = []byte("seg/")
)

func rowKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), rowPrefix...), seq)
}

func segmentKey(firstSeq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), segmentPrefix...), firstSeq)
}

func parseSeq(key, prefix []byte) (uint64, error) {
	if len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("invalid key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), nil
}

func marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
