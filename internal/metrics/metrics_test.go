package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("status")
		ObserveSync(120*time.Millisecond, true)
		ObserveSync(time.Second, false)
	})

	before := testutil.ToFloat64(taskOutcomes.WithLabelValues(OutcomeCompleted))
	IncTask(OutcomeCompleted)
	assert.Equal(t, before+1, testutil.ToFloat64(taskOutcomes.WithLabelValues(OutcomeCompleted)))

	SetQueueLength(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(queueLength))

	SetRunning(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(runningTasks))
}
