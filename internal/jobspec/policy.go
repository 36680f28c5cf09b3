package jobspec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/montylab/simorch/internal/platform/env"
	"github.com/montylab/simorch/internal/platform/k8s"
)

const (
	MinDeadlineSeconds     int64 = 300
	MaxDeadlineSeconds     int64 = 7200
	DefaultDeadlineSeconds int64 = 3600
)

var ErrInvalidPolicy = errors.New("invalid execution policy")

// Policy carries the per-run execution limits and placement constraints.
type Policy struct {
	ActiveDeadlineSeconds int64
	NodeSelector          map[string]string
	Tolerations           []k8s.Toleration
	// Registry prefixes catalog image references.
	Registry string
}

func DefaultPolicy(registry string) Policy {
	return Policy{
		ActiveDeadlineSeconds: DefaultDeadlineSeconds,
		NodeSelector:          map[string]string{"role": "gpu"},
		Tolerations: []k8s.Toleration{{
			Key:      "nvidia.com/gpu",
			Operator: "Equal",
			Value:    "present",
			Effect:   "NoSchedule",
		}},
		Registry: strings.TrimSpace(registry),
	}
}

// PolicyFromEnv builds the base policy every run starts from.
func PolicyFromEnv() (Policy, error) {
	policy := DefaultPolicy(env.String("SIMORCH_IMAGE_REGISTRY", env.String("ECR_REGISTRY", "")))
	selector, err := env.KeyValues("SIMORCH_GPU_NODE_SELECTOR", policy.NodeSelector)
	if err != nil {
		return Policy{}, err
	}
	policy.NodeSelector = selector
	deadline, err := env.Int("SIMORCH_DEFAULT_DEADLINE_SECONDS", int(policy.ActiveDeadlineSeconds))
	if err != nil {
		return Policy{}, err
	}
	policy.ActiveDeadlineSeconds = int64(deadline)
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// WithDeadline returns a copy using seconds, or the current deadline when
// seconds is zero.
func (p Policy) WithDeadline(seconds int64) Policy {
	out := p
	if seconds != 0 {
		out.ActiveDeadlineSeconds = seconds
	}
	return out
}

func (p Policy) Validate() error {
	if p.ActiveDeadlineSeconds < MinDeadlineSeconds || p.ActiveDeadlineSeconds > MaxDeadlineSeconds {
		return fmt.Errorf("%w: active deadline %ds outside [%d, %d]", ErrInvalidPolicy, p.ActiveDeadlineSeconds, MinDeadlineSeconds, MaxDeadlineSeconds)
	}
	if len(p.NodeSelector) == 0 {
		return fmt.Errorf("%w: node selector is required", ErrInvalidPolicy)
	}
	for k := range p.NodeSelector {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: node selector has an empty key", ErrInvalidPolicy)
		}
	}
	return nil
}
