package tgtest

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"

	"go.mau.fi/mtcore/pkg/wire"
)

// ErrNoAnswer is returned by Handler to leave the call unanswered.
var ErrNoAnswer = errors.New("no answer")

// Request is an rpc call received by Server, with wrappers removed.
type Request struct {
	DC        int
	SessionID int64
	MsgID     int64
	// TypeID of the unwrapped query.
	TypeID uint32
	// Body is the unwrapped query.
	Body []byte
	// Layer is set if query came in invokeWithLayer(initConnection(...)).
	Layer int
	// AfterMsgID is set if query came in invokeAfterMsg.
	AfterMsgID int64
}

// Buffer returns new buffer reading the query.
func (r *Request) Buffer() *bin.Buffer {
	return &bin.Buffer{Buf: r.Body}
}

// Decode decodes query into v.
func (r *Request) Decode(v bin.Decoder) error {
	return v.Decode(r.Buffer())
}

// Handler answers rpc calls.
//
// Returning *rpcerr.Error sends rpc_error, ErrNoAnswer leaves the call
// unanswered.
type Handler interface {
	Handle(req *Request) (bin.Encoder, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(req *Request) (bin.Encoder, error)

// Handle implements Handler.
func (h HandlerFunc) Handle(req *Request) (bin.Encoder, error) {
	return h(req)
}

// unwrap strips invokeAfterMsg, invokeWithLayer and initConnection.
func unwrap(req *Request) error {
	for {
		id, err := req.Buffer().PeekID()
		if err != nil {
			return errors.Wrap(err, "peek")
		}
		req.TypeID = id

		var query wire.Raw
		switch id {
		case tg.InvokeAfterMsgRequestTypeID:
			w := tg.InvokeAfterMsgRequest{Query: &query}
			if err := req.Decode(&w); err != nil {
				return errors.Wrap(err, "invokeAfterMsg")
			}
			req.AfterMsgID = w.MsgID
		case tg.InvokeWithLayerRequestTypeID:
			w := tg.InvokeWithLayerRequest{Query: &query}
			if err := req.Decode(&w); err != nil {
				return errors.Wrap(err, "invokeWithLayer")
			}
			req.Layer = w.Layer
		case tg.InitConnectionRequestTypeID:
			w := tg.InitConnectionRequest{Query: &query}
			if err := req.Decode(&w); err != nil {
				return errors.Wrap(err, "initConnection")
			}
		default:
			return nil
		}
		req.Body = query
	}
}
