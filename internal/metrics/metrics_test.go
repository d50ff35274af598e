package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestJobsCreatedTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(JobsCreatedTotal)
	JobsCreatedTotal.Inc()
	after := testutil.ToFloat64(JobsCreatedTotal)
	if after != before+1 {
		t.Errorf("JobsCreatedTotal = %v, want %v", after, before+1)
	}
}

func TestModelEffectiveLoadSetsPerLabel(t *testing.T) {
	ModelEffectiveLoad.WithLabelValues("local:default").Set(1.5)
	got := testutil.ToFloat64(ModelEffectiveLoad.WithLabelValues("local:default"))
	if got != 1.5 {
		t.Errorf("ModelEffectiveLoad = %v, want 1.5", got)
	}
}

func TestJobsCompletedTotalLabelsByStatus(t *testing.T) {
	before := testutil.ToFloat64(JobsCompletedTotal.WithLabelValues("Completed"))
	JobsCompletedTotal.WithLabelValues("Completed").Inc()
	after := testutil.ToFloat64(JobsCompletedTotal.WithLabelValues("Completed"))
	if after != before+1 {
		t.Errorf("JobsCompletedTotal{Completed} = %v, want %v", after, before+1)
	}
}
