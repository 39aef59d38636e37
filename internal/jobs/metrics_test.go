package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.NoError(t, m.Track("donations:receipt").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("donations:receipt").End(boom), boom)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("donations:receipt", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("donations:receipt", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("donations:receipt")))
}

func TestReceiptCounter(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ReceiptSent("sent")
	m.ReceiptSent("sent")
	m.ReceiptSent("")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.receipts.WithLabelValues("sent")))

	var nilMetrics *Metrics
	nilMetrics.ReceiptSent("sent")
	assert.NoError(t, nilMetrics.Track("x").End(nil))
}
