package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "ksid-test"})
	require.NotNil(t, tracer)
	require.False(t, tracer.Exporting())
	require.NoError(t, shutdown(context.Background()))
}

func TestStartEventNeverPanics(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	ctx, end := tracer.StartEvent(context.Background(), "system:health", "corr-1")
	require.NotNil(t, ctx)
	end(nil)

	_, end = tracer.StartEvent(context.Background(), "system:error", "corr-2")
	end(errors.New("handler failed"))
}

func TestNilTracerIsSafe(t *testing.T) {
	var tracer *Tracer
	ctx, end := tracer.StartEvent(context.Background(), "state:get", "corr-3")
	require.NotNil(t, ctx)
	end(nil)

	_, end = tracer.StartSpan(context.Background(), "provider invoke")
	end(nil)
}
