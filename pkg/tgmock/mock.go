package tgmock

import (
	"bytes"
	"sync"

	"github.com/gotd/td/bin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/tgtest"
	"go.mau.fi/mtcore/pkg/wire"
)

// TestingT is the subset of testing.TB used by Mock.
type TestingT interface {
	require.TestingT
	Helper()
}

type expectation struct {
	match  func(req *tgtest.Request) bool
	answer tgtest.HandlerFunc
}

// Mock answers calls in the order they were expected.
type Mock struct {
	t      TestingT
	assert *assert.Assertions

	mux   sync.Mutex
	calls []expectation
}

// New creates new Mock.
func New(t TestingT) *Mock {
	return &Mock{t: t, assert: assert.New(t)}
}

// RequestBuilder describes one expected call.
type RequestBuilder struct {
	mock  *Mock
	match func(req *tgtest.Request) bool
}

// Expect starts describing next expected call. Any call matches by default.
func (m *Mock) Expect() *RequestBuilder {
	return &RequestBuilder{mock: m}
}

// ExpectCall matches call with exactly this query.
func (b *RequestBuilder) ExpectCall(body bin.Encoder) *RequestBuilder {
	want, err := wire.Encode(body)
	require.NoError(b.mock.t, err)
	b.match = func(req *tgtest.Request) bool {
		return bytes.Equal(want, req.Body)
	}
	return b
}

// ExpectType matches call with query of type id.
func (b *RequestBuilder) ExpectType(typeID uint32) *RequestBuilder {
	b.match = func(req *tgtest.Request) bool {
		return req.TypeID == typeID
	}
	return b
}

// ExpectFunc matches call by f.
func (b *RequestBuilder) ExpectFunc(f func(req *tgtest.Request) bool) *RequestBuilder {
	b.match = f
	return b
}

// Then finishes expectation with handler.
func (b *RequestBuilder) Then(h tgtest.HandlerFunc) *Mock {
	m := b.mock
	m.mux.Lock()
	defer m.mux.Unlock()
	m.calls = append(m.calls, expectation{match: b.match, answer: h})
	return m
}

// ThenResult answers with v.
func (b *RequestBuilder) ThenResult(v bin.Encoder) *Mock {
	return b.Then(Result(v))
}

// ThenRPCErr answers with rpc error.
func (b *RequestBuilder) ThenRPCErr(err *rpcerr.Error) *Mock {
	return b.Then(func(*tgtest.Request) (bin.Encoder, error) {
		return nil, err
	})
}

// ThenHold leaves call unanswered.
func (b *RequestBuilder) ThenHold() *Mock {
	return b.Then(Hold())
}

func (m *Mock) pop() (expectation, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if len(m.calls) == 0 {
		return expectation{}, false
	}
	e := m.calls[0]
	m.calls = m.calls[1:]
	return e, true
}

// Handle implements tgtest.Handler.
func (m *Mock) Handle(req *tgtest.Request) (bin.Encoder, error) {
	e, ok := m.pop()
	if !m.assert.True(ok, "unexpected call %#x", req.TypeID) {
		return nil, rpcerr.New(500, "UNEXPECTED_CALL")
	}
	if e.match != nil && !m.assert.True(e.match(req), "call %#x does not match expectation", req.TypeID) {
		return nil, rpcerr.New(500, "UNEXPECTED_CALL")
	}
	return e.answer(req)
}

// AllWereMet reports whether every expected call happened.
func (m *Mock) AllWereMet() bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.calls) == 0
}

// Close asserts that every expected call happened.
func (m *Mock) Close() {
	m.t.Helper()
	m.assert.True(m.AllWereMet(), "not all expected calls happened")
}
