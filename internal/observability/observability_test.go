package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestRemoteLogger_LogErrorIncludesContext(t *testing.T) {
	var buf bytes.Buffer
	l := &RemoteLogger{tableName: "posts", logger: NewLogger(&buf, slog.LevelDebug)}

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithVisitorID(ctx, "visitor-1")
	l.LogError(ctx, errors.New("boom"), "select")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "remote error", entry["msg"])
	assert.Equal(t, "posts", entry["table"])
	assert.Equal(t, "select", entry["operation"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "corr-1", entry["correlation_id"])
	assert.Equal(t, "visitor-1", entry["visitor_id"])
}

func TestRemoteLogger_Disabled(t *testing.T) {
	var buf bytes.Buffer
	l := &RemoteLogger{tableName: "posts", logger: NewLogger(&buf, slog.LevelDebug)}

	prev := Config
	Config.EnableRemoteLogging = false
	defer func() { Config = prev }()

	l.LogRead(context.Background(), map[string]interface{}{"rows": 1})
	l.LogError(context.Background(), errors.New("x"), "select")
	assert.Zero(t, buf.Len())
}

func TestExtractors_EmptyContext(t *testing.T) {
	assert.Empty(t, ExtractCorrelationID(context.Background()))
	assert.Empty(t, ExtractVisitorID(context.Background()))
	assert.NotEqual(t, GenerateCorrelationID(), GenerateCorrelationID())
}

func TestTrackRemote_CountsErrors(t *testing.T) {
	before := counterValue(RemoteErrors.WithLabelValues("test", "op"))

	TrackRemote("test", "op")(nil)
	assert.Equal(t, before, counterValue(RemoteErrors.WithLabelValues("test", "op")))

	TrackRemote("test", "op")(errors.New("fail"))
	assert.Equal(t, before+1, counterValue(RemoteErrors.WithLabelValues("test", "op")))
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{ServiceName: "smallsite-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	span, ctx := StartSpan(context.Background(), "noop")
	assert.NotNil(t, ctx)
	span.Finish(errors.New("recorded"))
}

type codedError struct{ code string }

func (e codedError) Error() string     { return "failed: " + e.code }
func (e codedError) ErrorCode() string { return e.code }

func TestInitTracing_StdoutRecordsErrorCode(t *testing.T) {
	t.Cleanup(func() { tracer = otel.Tracer(instrumentationName) })

	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		ServiceName: "smallsite-test",
		Environment: "test",
		Enabled:     true,
		Exporter:    "stdout",
		Output:      &buf,
	})
	require.NoError(t, err)

	span, _ := StartClientSpan(context.Background(), "rest", "select_posts")
	span.Finish(fmt.Errorf("load: %w", codedError{code: "REMOTE_ERROR"}))
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "rest.select_posts")
	assert.Contains(t, out, "REMOTE_ERROR")
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
