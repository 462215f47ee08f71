package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestWithHTTPMethod_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "POST")
	got := httpMethodFromContext(ctx)
	if got != "POST" {
		t.Errorf("httpMethodFromContext = %q, want %q", got, "POST")
	}
}

func TestWithHTTPMethod_Empty(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "")
	got := httpMethodFromContext(ctx)
	if got != "" {
		t.Errorf("httpMethodFromContext = %q, want empty", got)
	}
}

func TestSetQueryObserver(t *testing.T) {
	// Save and restore the global to avoid test pollution.
	defer SetQueryObserver(nil)

	called := false
	obs := QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	})

	SetQueryObserver(obs)
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "GET", "/test", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	got = getQueryObserver()
	if got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

// recordingTracer captures inner-tracer invocations, standing in for otelpgx.
type recordingTracer struct {
	starts int
	ends   int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.starts++
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(_ context.Context, _ *pgx.Conn, _ pgx.TraceQueryEndData) {
	r.ends++
}

func TestLoggingTracer_CallsInner(t *testing.T) {
	t.Parallel()

	inner := &recordingTracer{}
	tracer := wrapQueryTracer(inner)

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{
		SQL: "SELECT 1",
	})
	tracer.(loggingTracer).TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})

	if inner.starts != 1 || inner.ends != 1 {
		t.Errorf("inner tracer calls = %d/%d, want 1/1", inner.starts, inner.ends)
	}
}

func TestLoggingTracer_ObservesQueries(t *testing.T) {
	defer SetQueryObserver(nil)

	type observation struct {
		method, route, outcome string
		dur                    time.Duration
	}
	var got []observation
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, dur time.Duration) {
		got = append(got, observation{method, route, outcome, dur})
	}))

	tracer := wrapQueryTracer(nil)
	ctx := WithHTTPMethod(context.Background(), "PATCH")
	ctx = tracer.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "UPDATE incidents SET ticket_url = $1"})
	tracer.(loggingTracer).TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})

	if len(got) != 1 {
		t.Fatalf("observations = %d, want 1", len(got))
	}
	obs := got[0]
	if obs.method != "PATCH" {
		t.Errorf("method = %q, want PATCH", obs.method)
	}
	// No chi route on this context.
	if obs.route != "unknown" {
		t.Errorf("route = %q, want unknown", obs.route)
	}
	if obs.outcome != "ok" {
		t.Errorf("outcome = %q, want ok", obs.outcome)
	}
	if obs.dur <= 0 {
		t.Errorf("duration = %v, want > 0", obs.dur)
	}
}
