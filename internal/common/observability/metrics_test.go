package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestObservability_RecordsIntoRegistry(t *testing.T) {
	reg := promclient.NewRegistry()
	obs := New("comfy-executors-test", WithRegisterer(reg))
	defer obs.Shutdown()

	ctx := context.Background()
	obs.RecordSubmission(ctx, "runpod", "completed")
	obs.RecordBatchDuration(ctx, "runpod", 1500*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if strings.Contains(mf.GetName(), "workflow_submissions") {
			found = true
		}
	}
	assert.True(t, found, "submission counter not exported")
}

func TestObservability_StartSpan(t *testing.T) {
	obs := New("comfy-executors-test", WithRegisterer(promclient.NewRegistry()))
	defer obs.Shutdown()

	ctx, span := obs.StartSpan(context.Background(), "submit", attribute.String("template", "t2i.json"))
	defer span.End()

	assert.NotNil(t, ctx)
	assert.True(t, span.SpanContext().IsValid())
}

func TestObservability_NilIsSafe(t *testing.T) {
	var obs *Observability
	assert.NotPanics(t, func() {
		_, span := obs.StartSpan(context.Background(), "noop")
		span.End()
		obs.RecordSubmission(context.Background(), "dummy", "completed")
		obs.Shutdown()
	})
}
