// Package rpc binds request ids to done and fail handlers and delivers
// responses to them exactly once.
package rpc

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
)

// Response is a successful answer to a request.
type Response struct {
	RequestID session.RequestID
	MsgID     int64
	Body      []byte
}

// DoneHandler handles successful response.
//
// Returned error means the body could not be decoded; the dispatcher then
// routes RESPONSE_PARSE_FAILED to the fail handler.
type DoneHandler interface {
	OnDone(r Response) error
}

// FailHandler handles an error. Returning false means the error was not
// handled and should be reported by the dispatcher.
type FailHandler interface {
	OnFail(id session.RequestID, err *rpcerr.Error) bool
}

type doneFunc func(r Response) error

func (f doneFunc) OnDone(r Response) error { return f(r) }

type failFunc func(id session.RequestID, err *rpcerr.Error) bool

func (f failFunc) OnFail(id session.RequestID, err *rpcerr.Error) bool { return f(id, err) }

func decode[T any, PT interface {
	*T
	bin.Decoder
}](body []byte) (*T, error) {
	v := new(T)
	if err := PT(v).Decode(&bin.Buffer{Buf: body}); err != nil {
		return nil, errors.Wrapf(err, "decode %T", v)
	}
	return v, nil
}

// Done returns handler decoding response into T.
func Done[T any, PT interface {
	*T
	bin.Decoder
}](f func(v *T)) DoneHandler {
	return doneFunc(func(r Response) error {
		v, err := decode[T, PT](r.Body)
		if err != nil {
			return err
		}
		f(v)
		return nil
	})
}

// DoneWithID is like Done, but also passes request id.
func DoneWithID[T any, PT interface {
	*T
	bin.Decoder
}](f func(id session.RequestID, v *T)) DoneHandler {
	return doneFunc(func(r Response) error {
		v, err := decode[T, PT](r.Body)
		if err != nil {
			return err
		}
		f(r.RequestID, v)
		return nil
	})
}

// DoneRaw returns handler getting raw response body, e.g. for decoding
// class types like tg.UpdatesClass.
func DoneRaw(f func(b *bin.Buffer) error) DoneHandler {
	return doneFunc(func(r Response) error {
		return f(&bin.Buffer{Buf: r.Body})
	})
}

// Fail returns fail handler from function.
func Fail(f func(err *rpcerr.Error) bool) FailHandler {
	return failFunc(func(_ session.RequestID, err *rpcerr.Error) bool {
		return f(err)
	})
}

// FailWithID returns fail handler from function that also gets request id.
func FailWithID(f func(id session.RequestID, err *rpcerr.Error) bool) FailHandler {
	return failFunc(f)
}
