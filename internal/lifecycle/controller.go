// Package lifecycle drives runs from creation to a terminal status. It owns
// identity allocation, bridge upload, job submission and cancellation, and
// hands every log entry it records to the configured publishers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/montylab/simorch/internal/domain"
	"github.com/montylab/simorch/internal/jobspec"
	"github.com/montylab/simorch/internal/platform/k8s"
	"github.com/montylab/simorch/internal/platform/metrics"
	"github.com/montylab/simorch/internal/registry"
)

type Scheduler interface {
	Submit(ctx context.Context, job k8s.Job) (string, error)
	Delete(ctx context.Context, handle string) error
}

type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// Publisher receives every log entry after it is recorded. Implementations
// must not fail the caller.
type Publisher interface {
	Publish(ctx context.Context, entry domain.LogEntry)
}

type Config struct {
	Registry   *registry.Store
	Builder    *jobspec.Builder
	Scheduler  Scheduler
	Store      ObjectStore
	Publishers []Publisher
	// Policy is the base execution policy; requests may only override the
	// deadline.
	Policy  jobspec.Policy
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	Suffix  func() string
}

type CreateRunRequest struct {
	Name                  string
	Owner                 string
	MontyImage            domain.DockerImage
	SimulatorImage        domain.DockerImage
	BrainProfile          domain.BrainProfile
	BridgeCode            string
	CheckpointIn          string
	ActiveDeadlineSeconds int64
}

type Controller struct {
	registry   *registry.Store
	builder    *jobspec.Builder
	scheduler  Scheduler
	store      ObjectStore
	publishers []Publisher
	policy     jobspec.Policy
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	suffix     func() string

	locks   *keyedMutex
	handles *handleTable
}

func New(cfg Config) (*Controller, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Builder == nil {
		return nil, errors.New("job builder is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("object store is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Suffix == nil {
		cfg.Suffix = randomSuffix
	}
	return &Controller{
		registry:   cfg.Registry,
		builder:    cfg.Builder,
		scheduler:  cfg.Scheduler,
		store:      cfg.Store,
		publishers: append([]Publisher(nil), cfg.Publishers...),
		policy:     cfg.Policy,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		suffix:     cfg.Suffix,
		locks:      newKeyedMutex(),
		handles:    newHandleTable(),
	}, nil
}

func (r CreateRunRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if err := r.MontyImage.Validate(); err != nil {
		return fmt.Errorf("%w: monty image: %v", ErrInvalidRequest, err)
	}
	if r.MontyImage.Role != domain.ImageRoleMonty {
		return fmt.Errorf("%w: image %s is not a monty image", ErrInvalidRequest, r.MontyImage.ID)
	}
	if err := r.SimulatorImage.Validate(); err != nil {
		return fmt.Errorf("%w: simulator image: %v", ErrInvalidRequest, err)
	}
	if r.SimulatorImage.Role != domain.ImageRoleSimulator {
		return fmt.Errorf("%w: image %s is not a simulator image", ErrInvalidRequest, r.SimulatorImage.ID)
	}
	if strings.TrimSpace(r.BrainProfile.ID) == "" {
		return fmt.Errorf("%w: brain profile is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.BridgeCode) == "" {
		return fmt.Errorf("%w: bridge code is required", ErrInvalidRequest)
	}
	if r.CheckpointIn != "" && !strings.HasPrefix(r.CheckpointIn, "s3://") {
		return fmt.Errorf("%w: checkpoint-in must be an s3:// locator", ErrInvalidRequest)
	}
	return nil
}

// CreateRun registers a run, uploads its bridge files and submits its job.
//
// On upload failure the run stays Pending and ErrUpstreamStorage is
// returned. On submission failure the run moves to Failed and is returned
// together with ErrUpstreamSubmission.
func (c *Controller) CreateRun(ctx context.Context, req CreateRunRequest) (domain.Run, error) {
	if err := req.validate(); err != nil {
		return domain.Run{}, err
	}
	policy := c.policy.WithDeadline(req.ActiveDeadlineSeconds)
	if err := policy.Validate(); err != nil {
		return domain.Run{}, err
	}
	// Upstream side effects must not be abandoned halfway when the caller
	// goes away.
	ctx = context.WithoutCancel(ctx)

	run, unlock, err := c.register(req)
	if err != nil {
		return domain.Run{}, err
	}
	defer unlock()

	logger := c.logger.With("run_id", run.ID)
	c.metrics.RunsCreated.Inc()
	c.appendLog(ctx, run.ID, domain.LogLevelInfo, fmt.Sprintf("run %s created and queued", run.Name))

	if err := c.uploadBridge(ctx, run, req); err != nil {
		c.metrics.UpstreamFailures.WithLabelValues("upload").Inc()
		logger.Error("bridge upload failed", "error", err)
		c.appendLog(ctx, run.ID, domain.LogLevelError, "failed to upload bridge code: "+err.Error())
		return c.snapshot(run), fmt.Errorf("%w: %v", ErrUpstreamStorage, err)
	}

	job, err := c.builder.Build(run, policy)
	if err != nil {
		logger.Error("build job failed", "error", err)
		failed, terr := c.transition(ctx, run.ID, domain.StatusFailed, domain.LogLevelError, "failed to build job: "+err.Error())
		if terr != nil {
			return c.snapshot(run), terr
		}
		return failed, fmt.Errorf("build job: %w", err)
	}

	handle, err := c.scheduler.Submit(ctx, job)
	if err != nil {
		c.metrics.UpstreamFailures.WithLabelValues("submit").Inc()
		logger.Error("job submission failed", "job", job.Metadata.Name, "error", err)
		failed, terr := c.transition(ctx, run.ID, domain.StatusFailed, domain.LogLevelError, "failed to create job: "+err.Error())
		if terr != nil {
			return c.snapshot(run), terr
		}
		return failed, fmt.Errorf("%w: %v", ErrUpstreamSubmission, err)
	}
	c.handles.set(run.ID, handle)

	running, err := c.transition(ctx, run.ID, domain.StatusRunning, domain.LogLevelInfo, "job created and started")
	if err != nil {
		return c.snapshot(run), err
	}
	logger.Info("run submitted", "job", handle)
	return running, nil
}

// register allocates an identity and inserts the Pending run, retrying on
// identity collisions. The per-run lock is taken before the insert and is
// returned held, so no other operation can see the run before CreateRun
// has finished with it.
func (c *Controller) register(req CreateRunRequest) (domain.Run, func(), error) {
	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		now := c.now()
		id := newRunID(now, c.suffix())
		run := domain.Run{
			ID:             id,
			Name:           strings.TrimSpace(req.Name),
			Owner:          strings.TrimSpace(req.Owner),
			Status:         domain.StatusPending,
			CreatedAt:      now,
			MontyImage:     req.MontyImage,
			SimulatorImage: req.SimulatorImage,
			BrainProfile:   req.BrainProfile,
			Artifacts:      []domain.Artifact{},
			BridgeCodeKey:  jobspec.BridgeKey(id, jobspec.BridgeScript),
			CheckpointIn:   req.CheckpointIn,
			CheckpointOut:  c.builder.CheckpointOutURI(id),
		}
		unlock := c.locks.Lock(id)
		err := c.registry.Create(run)
		if err == nil {
			return run, unlock, nil
		}
		unlock()
		if !errors.Is(err, registry.ErrAlreadyExists) {
			return domain.Run{}, nil, err
		}
		lastErr = err
	}
	return domain.Run{}, nil, fmt.Errorf("allocate run id: %w", lastErr)
}

func (c *Controller) uploadBridge(ctx context.Context, run domain.Run, req CreateRunRequest) error {
	bucket := c.builder.Config().ArtifactsBucket
	files := []struct {
		key         string
		body        string
		contentType string
	}{
		{run.BridgeCodeKey, req.BridgeCode, "text/x-python"},
		{jobspec.BridgeKey(run.ID, jobspec.BridgeConfig), req.BrainProfile.Config, "application/yaml"},
	}
	for _, f := range files {
		if err := c.store.Put(ctx, bucket, f.key, strings.NewReader(f.body), int64(len(f.body)), f.contentType); err != nil {
			return fmt.Errorf("put %s/%s: %w", bucket, f.key, err)
		}
	}
	return nil
}

// CancelRun deletes the run's job and marks it Cancelled. Runs that are
// already terminal fail with ErrInvalidState and are left untouched.
func (c *Controller) CancelRun(ctx context.Context, id string) (domain.Run, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := c.locks.Lock(id)
	defer unlock()

	run, err := c.registry.Get(id)
	if err != nil {
		return domain.Run{}, err
	}
	if !run.Status.Cancellable() {
		return run, fmt.Errorf("%w: run cannot be cancelled in status %s", ErrInvalidState, run.Status)
	}

	handle := c.handleFor(id)
	if err := c.scheduler.Delete(ctx, handle); err != nil {
		c.metrics.UpstreamFailures.WithLabelValues("delete").Inc()
		c.logger.Error("job delete failed", "run_id", id, "job", handle, "error", err)
		return run, fmt.Errorf("%w: %v", ErrUpstreamCancel, err)
	}
	c.handles.remove(id)
	return c.transition(ctx, id, domain.StatusCancelled, domain.LogLevelInfo, "run cancelled by user")
}

// CompleteRun records the scheduler-reported outcome of a Running run.
func (c *Controller) CompleteRun(ctx context.Context, id string, outcome domain.Status, detail string) (domain.Run, error) {
	if outcome != domain.StatusCompleted && outcome != domain.StatusFailed {
		return domain.Run{}, fmt.Errorf("%w: outcome must be Completed or Failed, got %q", ErrInvalidRequest, outcome)
	}
	unlock := c.locks.Lock(id)
	defer unlock()

	run, err := c.registry.Get(id)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status != domain.StatusRunning {
		return run, fmt.Errorf("%w: run is %s", ErrInvalidState, run.Status)
	}

	level, message := domain.LogLevelInfo, "job completed"
	if outcome == domain.StatusFailed {
		level, message = domain.LogLevelError, "job failed"
	}
	if detail = strings.TrimSpace(detail); detail != "" {
		message += ": " + detail
	}
	done, err := c.transition(ctx, id, outcome, level, message)
	if err != nil {
		return run, err
	}
	c.handles.remove(id)
	return done, nil
}

func (c *Controller) RecordMetric(ctx context.Context, id string, point domain.MetricPoint) error {
	return c.registry.AppendMetric(id, point)
}

// RecordArtifacts appends artifacts whose locator the run does not already
// list and logs one entry when anything new was recorded.
func (c *Controller) RecordArtifacts(ctx context.Context, id string, artifacts []domain.Artifact) (domain.Run, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	run, err := c.registry.Get(id)
	if err != nil {
		return domain.Run{}, err
	}
	known := make(map[string]bool, len(run.Artifacts))
	for _, a := range run.Artifacts {
		known[a.URI] = true
	}
	added := 0
	for _, a := range artifacts {
		if a.URI == "" || known[a.URI] {
			continue
		}
		known[a.URI] = true
		if run, err = c.registry.AppendArtifact(id, a); err != nil {
			return domain.Run{}, err
		}
		added++
	}
	if added > 0 {
		c.appendLog(ctx, id, domain.LogLevelInfo, fmt.Sprintf("recorded %d artifacts", added))
	}
	return run, nil
}

// JobHandle returns the scheduler handle of an active run.
func (c *Controller) JobHandle(id string) (string, bool) {
	return c.handles.get(id)
}

func (c *Controller) handleFor(id string) string {
	if h, ok := c.handles.get(id); ok {
		return h
	}
	return c.builder.Config().Namespace + "/" + jobspec.JobName(id)
}

func (c *Controller) transition(ctx context.Context, id string, to domain.Status, level domain.LogLevel, message string) (domain.Run, error) {
	run, entry, err := c.registry.Transition(id, to, level, message)
	if err != nil {
		return domain.Run{}, err
	}
	c.metrics.Transitions.WithLabelValues(string(to)).Inc()
	c.publish(ctx, entry)
	return run, nil
}

func (c *Controller) appendLog(ctx context.Context, id string, level domain.LogLevel, message string) {
	entry, err := c.registry.AppendLog(id, level, message)
	if err != nil {
		c.logger.Error("append run log failed", "run_id", id, "error", err)
		return
	}
	c.publish(ctx, entry)
}

func (c *Controller) publish(ctx context.Context, entry domain.LogEntry) {
	c.metrics.LogEntries.Inc()
	for _, p := range c.publishers {
		p.Publish(ctx, entry)
	}
}

func (c *Controller) snapshot(run domain.Run) domain.Run {
	if fresh, err := c.registry.Get(run.ID); err == nil {
		return fresh
	}
	return run
}
