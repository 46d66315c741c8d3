package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestDeleteSource(t *testing.T) {
	RecordSourceHealth("gone", true)
	RecordCircuitState("gone", 2)
	RecordCircuitTransition("gone", "OPEN")
	RecordSourceFetch("gone", "error", 0)
	RecordSourceHealth("kept", true)

	DeleteSource("gone")

	assert.False(t, SourceHealth.DeleteLabelValues("gone"))
	assert.False(t, CircuitState.DeleteLabelValues("gone"))
	assert.Zero(t, SourceFetchesTotal.DeletePartialMatch(prometheus.Labels{"source": "gone"}))
	assert.Zero(t, CircuitTransitionsTotal.DeletePartialMatch(prometheus.Labels{"source": "gone"}))
	assert.True(t, SourceHealth.DeleteLabelValues("kept"))
}
