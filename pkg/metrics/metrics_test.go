package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPipeline(reg)
	require.NoError(t, err)

	p.IdentifierProcessed("match", "ITEM")
	p.IdentifierProcessed("match", "ITEM")
	p.RecordsMatched("match", "ITEM", 3)
	p.RecordsMatched("match", "ITEM", 0)
	p.Skipped("match", "NO_MATCH")
	p.PartitionFailed("apply")
	p.ObserveMerge("match", 120*time.Millisecond, nil)
	p.ObserveMerge("match", time.Second, errors.New("timeout"))

	assert.Equal(t, 2.0, testutil.ToFloat64(p.processed.WithLabelValues("match", "ITEM")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.matched.WithLabelValues("match", "ITEM")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.skipped.WithLabelValues("match", "NO_MATCH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.partitionsFailed.WithLabelValues("apply")))
	assert.Equal(t, 2, testutil.CollectAndCount(p.mergeDuration))

	p.BreakerState(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.breakerState))
}

func TestPipeline_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPipeline(reg)
	require.NoError(t, err)
	_, err = NewPipeline(reg)
	require.Error(t, err)
}

func TestPipeline_NilIsNoop(t *testing.T) {
	var p *Pipeline
	assert.NotPanics(t, func() {
		p.IdentifierProcessed("match", "ITEM")
		p.RecordsMatched("match", "ITEM", 1)
		p.Skipped("match", "DUPLICATE")
		p.PartitionFailed("match")
		p.ObserveMerge("match", time.Second, nil)
		p.BreakerState(2)
	})
}
