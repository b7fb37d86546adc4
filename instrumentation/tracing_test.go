package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingInstrumentation(t *testing.T) (*Instrumentation, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{
		Enabled:        true,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return inst, recorder
}

func TestRecordError(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "failing")
	RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) == 0 {
		t.Error("RecordError() should add an exception event")
	}
}

func TestSetSpanSuccess(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "ok")
	SetSpanSuccess(span)
	span.End()

	if got := recorder.Ended()[0].Status().Code; got != codes.Ok {
		t.Errorf("status = %v, want Ok", got)
	}
}

func TestAttributeHelpers(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "attrs")
	AddOAuthFlowAttributes(span, "frontend-client", "u", "openid profile")
	AddPKCEAttributes(span, "S256")
	AddTokenFamilyAttributes(span, "family-1", 3)
	AddStorageAttributes(span, "get_client", "memory")
	AddHTTPAttributes(span, "POST", "/token", 200)
	AddSecurityAttributes(span, "10.0.0.1")
	span.End()

	attrs := map[string]bool{}
	for _, kv := range recorder.Ended()[0].Attributes() {
		attrs[string(kv.Key)] = true
	}

	for _, key := range []string{
		AttrClientID, AttrSubject, AttrScope, AttrPKCEMethod,
		AttrTokenFamilyID, AttrTokenGeneration, AttrStorageOperation,
		AttrHTTPEndpoint, AttrClientIP,
	} {
		if !attrs[key] {
			t.Errorf("attribute %q missing", key)
		}
	}
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil)
	AddOAuthFlowAttributes(nil, "c", "u", "s")
	AddPKCEAttributes(nil, "S256")
	AddTokenFamilyAttributes(nil, "f", 1)
}

func TestShouldLogClientIPs(t *testing.T) {
	inst, err := New(Config{Enabled: false, LogClientIPs: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = false, want true")
	}
}
