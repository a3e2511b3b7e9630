package run_test

import (
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/eladsalama/reporunner/internal/run"
)

var allStatuses = []run.Status{
	run.StatusQueued,
	run.StatusBuilding,
	run.StatusDeploying,
	run.StatusRunning,
	run.StatusSucceeded,
	run.StatusFailed,
	run.StatusStopped,
}

// TestCanTransitionExhaustive checks every pair of statuses against the
// monotonic order Queued < Building < Deploying < Running < terminal, with
// terminal statuses frozen except for a repeated write of the same status.
func TestCanTransitionExhaustive(t *testing.T) {
	rankOf := map[run.Status]int{
		run.StatusQueued:    0,
		run.StatusBuilding:  1,
		run.StatusDeploying: 2,
		run.StatusRunning:   3,
		run.StatusSucceeded: 4,
		run.StatusFailed:    4,
		run.StatusStopped:   4,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			name := fmt.Sprintf("%s->%s", from, to)
			t.Run(name, func(tt *testing.T) {
				got := run.CanTransition(from, to)
				var want bool
				if from.Terminal() {
					want = to == from
				} else {
					want = rankOf[to] > rankOf[from]
				}
				assert.Equal(tt, want, got, name)
			})
		}
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	for _, s := range allStatuses {
		b, err := s.MarshalJSON()
		assert.NoError(t, err)
		var got run.Status
		assert.NoError(t, got.UnmarshalJSON(b))
		assert.Equal(t, s, got)
	}
}
