package session

import (
	"strconv"
	"time"

	"go.uber.org/atomic"

	"go.mau.fi/mtcore/pkg/rpcerr"
)

//go:generate go tool stringer -type=RequestKind -trimprefix=Kind

// RequestKind distinguishes caller requests from internally generated ones.
type RequestKind uint8

const (
	// KindUser is a request issued by a caller.
	KindUser RequestKind = iota + 1
	// KindInternal is a ping, ack, state query or container.
	KindInternal
)

// RequestID identifies logical request across resends.
//
// Internal ids are drawn from a separate space and never compare equal to
// user ids.
type RequestID struct {
	Kind RequestKind
	N    int64
}

// IsZero reports whether id is unset.
func (id RequestID) IsZero() bool {
	return id.Kind == 0
}

// Internal reports whether id was generated for an internal request.
func (id RequestID) Internal() bool {
	return id.Kind == KindInternal
}

func (id RequestID) String() string {
	switch id.Kind {
	case KindUser:
		return strconv.FormatInt(id.N, 10)
	case KindInternal:
		return "internal:" + strconv.FormatInt(id.N, 10)
	default:
		return "none"
	}
}

var lastUserRequestID atomic.Int64

// NextRequestID returns new process-unique user request id.
func NextRequestID() RequestID {
	return RequestID{Kind: KindUser, N: lastUserRequestID.Inc()}
}

// Request is a serialized request and its transmission state.
//
// Fields are owned by the session orchestrator and are only mutated while
// holding the lock of the table that contains the request.
type Request struct {
	ID     RequestID
	TypeID uint32
	Body   []byte

	MsgID int64
	SeqNo int32

	NeedsAck   bool
	NeedsLayer bool
	// After holds request until referenced request has left the wire.
	After   RequestID
	CanWait time.Duration

	Created time.Time
	// QueuedAt is when request was last put into ToSend.
	QueuedAt    time.Time
	FirstSentAt time.Time
	SentAt      time.Time

	// Container is set for msg_container entries, Inner lists contained msg ids.
	Container bool
	// StateQuery is set for msgs_state_req entries, Inner lists queried msg ids.
	StateQuery bool
	Inner      []int64
}

// Due returns time when request must be flushed.
func (r *Request) Due() time.Time {
	return r.QueuedAt.Add(r.CanWait)
}

// Sent reports whether request was transmitted at least once.
func (r *Request) Sent() bool {
	return !r.FirstSentAt.IsZero()
}

// Response is a received answer waiting for handler dispatch.
type Response struct {
	RequestID RequestID
	MsgID     int64
	Body      []byte
	Err       *rpcerr.Error
}
