package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yairfalse/vahti/types"
)

func newCapturedLogger(buf *bytes.Buffer) *Logger {
	logger := zerolog.New(buf).With().Str("service", "test").Logger().Hook(OTELHook{})
	return &Logger{Logger: logger}
}

func TestLogger_LogCycleComplete(t *testing.T) {
	var buf bytes.Buffer
	logger := newCapturedLogger(&buf)

	cycle := types.InventoryCycle{
		ID:            7,
		Status:        types.CyclePartialSuccess,
		ResourceCount: 42,
		PolicyCount:   40,
		SoftErrors:    2,
	}
	logger.LogCycleComplete(context.Background(), cycle)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, float64(7), entry["cycle_id"])
	assert.Equal(t, "PARTIAL_SUCCESS", entry["status"])
	assert.Equal(t, float64(2), entry["soft_errors"])
	assert.Equal(t, "crawl", entry["operation"])
}

func TestLogger_LogSpanStartMapsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := newCapturedLogger(&buf)

	logger.LogSpanStart(context.Background(), "scanner.run",
		attribute.String("scanner", "iam_policy"),
		attribute.Int64("cycle_id", 7),
		attribute.Float64("sample_rate", 0.5),
		attribute.Bool("include_partial", true))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "scanner.run", entry["span_name"])
	assert.Equal(t, "iam_policy", entry["scanner"])
	assert.Equal(t, float64(7), entry["cycle_id"])
	assert.Equal(t, 0.5, entry["sample_rate"])
	assert.Equal(t, true, entry["include_partial"])
	assert.Equal(t, "span started", entry["message"])
}

func TestLogger_LogSpanEnd(t *testing.T) {
	var buf bytes.Buffer
	logger := newCapturedLogger(&buf)

	logger.LogSpanEnd(context.Background(), "scanner.run", assert.AnError)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "scanner.run", entry["span_name"])
	assert.Equal(t, "span failed", entry["message"])

	buf.Reset()
	logger.LogSpanEnd(context.Background(), "scanner.run", nil)

	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "span completed", entry["message"])
}

func TestLogger_LogCrawlSkipIsWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := newCapturedLogger(&buf)

	logger.LogCrawlSkip(context.Background(), "organization/1/project/9", assert.AnError)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "organization/1/project/9", entry["resource"])
}
