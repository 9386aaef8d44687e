package mtp

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.mau.fi/mtcore/pkg/dcs"
	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
)

func (i *Instance) startSpan(ctx context.Context, typeID uint32, dc dcs.ShiftedDC) trace.Span {
	if i.tracer == nil {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.Int64("tg.method.id_int", int64(typeID)),
		attribute.String("tg.method.id", fmt.Sprintf("%x", typeID)),
		attribute.String("tg.dc", dc.String()),
	}
	name := i.types.Get(typeID)
	if name == "" {
		name = fmt.Sprintf("0x%x", typeID)
	} else {
		attrs = append(attrs, attribute.String("tg.method.name", name))
	}
	_, span := i.tracer.Start(ctx, "Send: "+name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	return span
}

// onSettled forgets route of delivered request and ends its span.
func (i *Instance) onSettled(id session.RequestID, err *rpcerr.Error) {
	i.mux.Lock()
	r, ok := i.routes[id]
	delete(i.routes, id)
	i.mux.Unlock()
	if !ok || r.span == nil {
		return
	}
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Type)
	}
	r.span.End()
}
