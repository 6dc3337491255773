package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordSubmission("classify", "classified")
	m.RecordSubmission("classify", "classified")
	m.RecordInference("ok", 120*time.Millisecond)
	m.RecordLookup(LookupHit)
	m.RecordLookup(LookupMiss)
	m.RecordAPIRequest("2xx")
	m.RecordTrainingSample()
	m.RecordExport("file", "ok")

	assert.InDelta(t, 2, testutil.ToFloat64(m.submissionsTotal.WithLabelValues("classify", "classified")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.inferenceOutcomes.WithLabelValues("ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.dictionaryLookups.WithLabelValues(LookupHit)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.trainingSamples), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.corpusExports.WithLabelValues("file", "ok")), 0)

	count, err := testutil.GatherAndCount(reg, "fruitlens_inference_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSubmission("train", "training-sample")
		m.RecordInference("timeout", time.Second)
		m.RecordLookup(LookupAPIError)
		m.RecordAPIRequest("error")
		m.RecordTrainingSample()
		m.RecordExport("s3", "error")
	})
}
