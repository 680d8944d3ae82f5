package metrics

import "time"

// JobCompleted records a successful job run
func JobCompleted(jobType string, duration time.Duration) {
	JobsTotal.WithLabelValues(jobType, "completed").Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// JobFailed records a job failure
func JobFailed(jobType string, duration time.Duration) {
	JobsTotal.WithLabelValues(jobType, "failed").Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// JobSkipped records a tick that did not acquire the lease
func JobSkipped(jobType string) {
	JobSkippedTotal.WithLabelValues(jobType).Inc()
}
