package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordOperationLabelsStayBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordOperation(context.Background(), "pack", time.Millisecond)
	m.RecordOperation(context.Background(), "pack", time.Millisecond)
	m.RecordOperation(context.Background(), "unpack", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("pack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("unpack")))
}

func TestRecordOperationErrorLabelsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordOperationError("unpack", "OrderingIrrecoverable")
	m.RecordOperationError("unpack", "OrderingIrrecoverable")
	m.RecordOperationError("pack", "IoFailure")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operationErrors.WithLabelValues("unpack", "OrderingIrrecoverable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationErrors.WithLabelValues("pack", "IoFailure")))
}

func TestRecordDedupCacheHitsAndMisses(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDedupCacheHit()
	m.RecordDedupCacheMiss()
	m.RecordDedupCacheMiss()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dedupCacheHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dedupCacheMisses))
}
