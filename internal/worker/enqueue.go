package worker

import (
	"errors"
	"fmt"
)

// ErrUnknownJobType is returned by Trigger for a job type with no handler.
var ErrUnknownJobType = errors.New("unknown job type")

// Job type constants - these must match the JobHandler.Type() values
const (
	JobTypePremiumExpirySweep = "premium_expiry_sweep"
)

// Trigger requests an immediate run of jobType on top of its schedule.
// Requests made while one is already pending are coalesced. The run still
// goes through the lease.
func (w *Worker) Trigger(jobType string) error {
	job, ok := w.jobs[jobType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	select {
	case job.trigger <- struct{}{}:
	default:
	}
	return nil
}

