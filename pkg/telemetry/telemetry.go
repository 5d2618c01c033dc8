package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const PACKAGE = "meshcall"

var tracer = otel.Tracer(PACKAGE)

// Telemetry is the span of a call or of one of its peer sessions. All methods are
// no-ops on a nil *Telemetry, so components can be built without tracing.
type Telemetry struct {
	span trace.Span
	ctx  context.Context //nolint:containedctx
}

// Starts a span as a child of the span in `ctx` (if any).
func NewTelemetry(ctx context.Context, name string, attributes ...attribute.KeyValue) *Telemetry {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attributes...))
	return &Telemetry{span: span, ctx: ctx}
}

// Starts a span nested in this one.
func (t *Telemetry) CreateChild(name string, attributes ...attribute.KeyValue) *Telemetry {
	if t == nil {
		return nil
	}

	return NewTelemetry(t.ctx, name, attributes...)
}

// The context carrying the span, for outgoing calls that propagate it.
func (t *Telemetry) Context() context.Context {
	if t == nil {
		return context.Background()
	}

	return t.ctx
}

func (t *Telemetry) AddEvent(text string, attributes ...attribute.KeyValue) {
	if t == nil {
		return
	}

	t.span.AddEvent(text, trace.WithAttributes(attributes...))
}

// Records a lifecycle transition (call state, peer phase) as a "state changed" event
// and keeps the latest state as a span attribute.
func (t *Telemetry) StateChanged(from, to fmt.Stringer) {
	if t == nil {
		return
	}

	t.span.AddEvent("state changed", trace.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	t.span.SetAttributes(attribute.String("state", to.String()))
}

func (t *Telemetry) AddError(err error) {
	if t == nil || err == nil {
		return
	}

	t.span.RecordError(err)
}

// Marks the span as failed.
func (t *Telemetry) Fail(err error) {
	if t == nil || err == nil {
		return
	}

	t.span.SetStatus(codes.Error, err.Error())
	t.span.RecordError(err)
}

func (t *Telemetry) End() {
	if t == nil {
		return
	}

	t.span.End()
}

// Ends the span, failed if `err` is not nil and successful otherwise.
func (t *Telemetry) EndWith(err error) {
	if t == nil {
		return
	}

	if err != nil {
		t.Fail(err)
	} else {
		t.span.SetStatus(codes.Ok, "")
	}

	t.span.End()
}
