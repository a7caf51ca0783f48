// Package wire implements the packet format exchanged between the primary and its replicas.
// Every packet is a length-prefixed msgpack document.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
)

// Type identifies the kind of packet.
type Type uint8

const (
	// TypeOK terminates a successful request.
	TypeOK Type = iota + 1
	// TypeError carries a request-level error.
	TypeError
	// TypeInsert is a DML row inserting a key.
	TypeInsert
	// TypeReplace is a DML row replacing the value of a key.
	TypeReplace
	// TypeDelete is a DML row deleting a key.
	TypeDelete
	// TypeHeartbeat has no payload and carries only a timestamp.
	TypeHeartbeat
	// TypeVClock is the acknowledgment sent by a replica with its full vclock.
	TypeVClock
	// TypeJoin requests the initial and final join.
	TypeJoin
	// TypeSubscribe requests live log streaming.
	TypeSubscribe
)

// String returns the name of the type.
func (t Type) String() string {
	switch t {
	case TypeOK:
		return "OK"
	case TypeError:
		return "ERROR"
	case TypeInsert:
		return "INSERT"
	case TypeReplace:
		return "REPLACE"
	case TypeDelete:
		return "DELETE"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeVClock:
		return "VCLOCK"
	case TypeJoin:
		return "JOIN"
	case TypeSubscribe:
		return "SUBSCRIBE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// IsDML reports whether packets of this type are data rows.
func (t Type) IsDML() bool {
	return t == TypeInsert || t == TypeReplace || t == TypeDelete
}

// ErrMalformedPacket is returned when a packet can't be decoded.
var ErrMalformedPacket = errors.New("malformed packet")

// Packet is a single unit on the wire. Only the fields relevant for the type are set.
type Packet struct {
	Type Type `msgpack:"t"`
	// Sync is the request-correlation token echoed on every response packet.
	Sync uint64 `msgpack:"s,omitempty"`
	// ReplicaID is the id of the instance the row originates from.
	ReplicaID uint32 `msgpack:"r,omitempty"`
	// LSN is the row's sequence number within its origin.
	LSN int64 `msgpack:"l,omitempty"`
	// Timestamp is the wall-clock time in nanoseconds since the epoch.
	Timestamp int64 `msgpack:"tm,omitempty"`
	// Key and Value are the payload of DML rows.
	Key   []byte `msgpack:"k,omitempty"`
	Value []byte `msgpack:"v,omitempty"`
	// VClock is set on acknowledgments, subscribe requests and join responses.
	VClock map[uint32]int64 `msgpack:"vc,omitempty"`
	// UUID identifies the replica in join and subscribe requests.
	UUID string `msgpack:"u,omitempty"`
	// Version is the replica's version id, see VersionID.
	Version uint32 `msgpack:"ver,omitempty"`
	// Message is the error message of TypeError packets.
	Message string `msgpack:"m,omitempty"`
}

// Time returns the packet timestamp.
func (p *Packet) Time() time.Time {
	return time.Unix(0, p.Timestamp)
}

// DecodeVClock decodes the vclock carried by an acknowledgment. The result never aliases the
// packet.
func (p *Packet) DecodeVClock() (vclock.VClock, error) {
	if p.Type != TypeVClock && p.Type != TypeSubscribe && p.Type != TypeOK {
		return nil, fmt.Errorf("%w: unexpected %s packet, expected vclock", ErrMalformedPacket, p.Type)
	}

	vc := vclock.New()
	for id, lsn := range p.VClock {
		if lsn < 0 {
			return nil, fmt.Errorf("%w: negative LSN %d for instance %d", ErrMalformedPacket, lsn, id)
		}
		vc[id] = lsn
	}
	return vc, nil
}

// DecodeUUID parses the replica UUID.
func (p *Packet) DecodeUUID() (uuid.UUID, error) {
	id, err := uuid.Parse(p.UUID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid replica UUID: %w", ErrMalformedPacket, err)
	}
	return id, nil
}

// NewHeartbeat encodes a heartbeat from the given instance.
func NewHeartbeat(instanceID uint32, now time.Time) *Packet {
	return &Packet{Type: TypeHeartbeat, ReplicaID: instanceID, Timestamp: now.UnixNano()}
}

// NewVClock encodes an acknowledgment packet.
func NewVClock(vc vclock.VClock) *Packet {
	return &Packet{Type: TypeVClock, VClock: vc.Copy()}
}

// NewError encodes a request-level error.
func NewError(sync uint64, err error) *Packet {
	return &Packet{Type: TypeError, Sync: sync, Message: err.Error()}
}
