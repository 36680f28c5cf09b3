package domain

import (
	"errors"
	"strings"
	"time"
)

// Run is one simulation execution request and its tracked lifecycle state.
type Run struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Owner          string       `json:"owner,omitempty"`
	Status         Status       `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
	MontyImage     DockerImage  `json:"montyImage"`
	SimulatorImage DockerImage  `json:"simulatorImage"`
	BrainProfile   BrainProfile `json:"brainProfile"`
	Artifacts      []Artifact   `json:"artifacts"`
	BridgeCodeKey  string       `json:"bridgeCodeKey,omitempty"`
	CheckpointIn   string       `json:"checkpointIn,omitempty"`
	CheckpointOut  string       `json:"checkpointOut,omitempty"`
}

// Clone returns a copy that shares no mutable state with r.
func (r Run) Clone() Run {
	out := r
	out.Artifacts = make([]Artifact, len(r.Artifacts))
	copy(out.Artifacts, r.Artifacts)
	return out
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("run name is required")
	}
	if !r.Status.Valid() {
		return errors.New("run status is invalid")
	}
	if r.MontyImage.Role != ImageRoleMonty {
		return errors.New("monty image must have role monty")
	}
	if r.SimulatorImage.Role != ImageRoleSimulator {
		return errors.New("simulator image must have role simulator")
	}
	if strings.TrimSpace(r.BrainProfile.ID) == "" {
		return errors.New("brain profile id is required")
	}
	return nil
}

// MetricPoint is one timestamped telemetry sample of a run.
type MetricPoint struct {
	Time       float64 `json:"time"`
	Reward     float64 `json:"reward"`
	Energy     float64 `json:"energy"`
	Nociceptor float64 `json:"nociceptor"`
}
