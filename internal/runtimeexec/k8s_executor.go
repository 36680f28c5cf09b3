package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/montylab/simorch/internal/domain"
	"github.com/montylab/simorch/internal/platform/k8s"
)

// jobAPI is the subset of *k8s.Client the executor needs.
type jobAPI interface {
	Namespace() string
	CreateJob(ctx context.Context, namespace string, job k8s.Job) error
	GetJob(ctx context.Context, namespace string, name string) (k8s.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error
}

// KubernetesJobExecutor submits and tears down batch Jobs. A handle is
// "<namespace>/<job-name>".
type KubernetesJobExecutor struct {
	client    jobAPI
	namespace string
}

func NewKubernetesJobExecutor(client jobAPI, namespace string) (*KubernetesJobExecutor, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}
	return &KubernetesJobExecutor{client: client, namespace: namespace}, nil
}

func (e *KubernetesJobExecutor) Kind() string {
	return "kubernetes_job"
}

// Submit creates the job. A job that already exists is a failure: run
// identities are unique, so a collision means the name was reused.
func (e *KubernetesJobExecutor) Submit(ctx context.Context, job k8s.Job) (string, error) {
	name := strings.TrimSpace(job.Metadata.Name)
	if name == "" {
		return "", errors.New("k8s job name is required")
	}
	namespace := strings.TrimSpace(job.Metadata.Namespace)
	if namespace == "" {
		namespace = e.namespace
	}
	if err := e.client.CreateJob(ctx, namespace, job); err != nil {
		return "", err
	}
	return namespace + "/" + name, nil
}

// Delete is idempotent: a job that is already gone counts as deleted.
func (e *KubernetesJobExecutor) Delete(ctx context.Context, handle string) error {
	namespace, name, err := e.splitHandle(handle)
	if err != nil {
		return err
	}
	err = e.client.DeleteJob(ctx, namespace, name)
	if err == nil || errors.Is(err, k8s.ErrNotFound) {
		return nil
	}
	return err
}

func (e *KubernetesJobExecutor) Inspect(ctx context.Context, handle string) (Observation, error) {
	namespace, name, err := e.splitHandle(handle)
	if err != nil {
		return Observation{}, err
	}
	job, err := e.client.GetJob(ctx, namespace, name)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return Observation{Status: domain.StatusFailed, Message: "job not found"}, nil
		}
		return Observation{}, err
	}
	return observe(job), nil
}

func observe(job k8s.Job) Observation {
	obs := Observation{Status: domain.StatusPending}
	if job.Status == nil {
		return obs
	}
	obs.Active = job.Status.Active
	obs.Failed = job.Status.Failed

	if cond, ok := job.FindCondition("Failed"); ok && strings.EqualFold(cond.Status, "True") {
		obs.Status = domain.StatusFailed
		obs.Message = conditionMessage(cond)
		return obs
	}
	if cond, ok := job.FindCondition("Complete"); ok && strings.EqualFold(cond.Status, "True") {
		obs.Status = domain.StatusCompleted
		obs.Message = conditionMessage(cond)
		return obs
	}
	if job.Status.Active > 0 {
		obs.Status = domain.StatusRunning
	}
	return obs
}

func conditionMessage(cond k8s.JobCondition) string {
	if msg := strings.TrimSpace(cond.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(cond.Reason)
}

func (e *KubernetesJobExecutor) splitHandle(handle string) (string, string, error) {
	handle = strings.TrimSpace(handle)
	namespace, name, found := strings.Cut(handle, "/")
	if !found {
		namespace, name = e.namespace, handle
	}
	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(name) == "" {
		return "", "", fmt.Errorf("invalid job handle %q", handle)
	}
	return namespace, name, nil
}
