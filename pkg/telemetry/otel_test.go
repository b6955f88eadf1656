package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartEnd(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, outer := Start(context.Background(), SpanReplay, attribute.Int("shards", 2))
	_, inner := Start(ctx, SpanFinish)
	End(inner, errors.New("disk full"))
	End(outer, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}

	finish, replay := spans[0], spans[1]
	if finish.Name() != SpanFinish || replay.Name() != SpanReplay {
		t.Errorf("span names = %q, %q", finish.Name(), replay.Name())
	}
	if finish.Parent().SpanID() != replay.SpanContext().SpanID() {
		t.Error("finish span is not a child of replay")
	}
	if finish.Status().Code != codes.Error {
		t.Errorf("finish status = %v, want error", finish.Status().Code)
	}
	if replay.Status().Code == codes.Error {
		t.Error("replay span should not carry an error")
	}
}
