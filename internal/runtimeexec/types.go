package runtimeexec

import "github.com/montylab/simorch/internal/domain"

// Observation is what the scheduler reports about one submitted job.
type Observation struct {
	// Status is Pending, Running, Completed or Failed.
	Status  domain.Status
	Message string
	Active  int32
	Failed  int32
}

func (o Observation) Finished() bool {
	return o.Status == domain.StatusCompleted || o.Status == domain.StatusFailed
}
