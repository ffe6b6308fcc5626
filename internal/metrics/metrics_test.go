package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveTurn(t *testing.T) {
	before := testutil.ToFloat64(turnsTotal.WithLabelValues(OutcomeOK))
	ObserveTurn(OutcomeOK)
	ObserveTurn(OutcomeOK)
	assert.Equal(t, before+2, testutil.ToFloat64(turnsTotal.WithLabelValues(OutcomeOK)))
}

func TestCounters(t *testing.T) {
	c := testutil.ToFloat64(persistConflicts)
	ObservePersistConflict()
	assert.Equal(t, c+1, testutil.ToFloat64(persistConflicts))

	e := testutil.ToFloat64(emptyCompletions)
	ObserveEmptyCompletion()
	assert.Equal(t, e+1, testutil.ToFloat64(emptyCompletions))
}

func TestObserveModelLatency(t *testing.T) {
	ObserveModelLatency("gemini", 300*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(modelLatency))
}
