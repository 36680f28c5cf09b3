package main

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/montylab/simorch/internal/domain"
	"github.com/montylab/simorch/internal/jobspec"
	"github.com/montylab/simorch/internal/lifecycle"
	"github.com/montylab/simorch/internal/registry"
	"github.com/montylab/simorch/internal/runtimeexec"
	"github.com/montylab/simorch/internal/storage/objectstore"
)

type jobInspector interface {
	Inspect(ctx context.Context, handle string) (runtimeexec.Observation, error)
}

// jobSyncer polls the scheduler for Running runs and reports their outcome.
type jobSyncer struct {
	logger    *slog.Logger
	runs      *registry.Store
	lifecycle *lifecycle.Controller
	inspector jobInspector
	store     objectstore.Store
	builder   *jobspec.Builder
	interval  time.Duration

	// retries counts failed artifact discoveries of finished runs. Only the
	// syncer goroutine touches it.
	retries map[string]int
}

const maxDiscoveryAttempts = 5

func startJobSyncer(ctx context.Context, s *jobSyncer) {
	if s == nil || s.inspector == nil || s.interval <= 0 {
		return
	}
	go s.run(ctx)
}

func (s *jobSyncer) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *jobSyncer) syncOnce(ctx context.Context) {
	for id := range s.retries {
		if ctx.Err() != nil {
			return
		}
		s.collectArtifacts(ctx, id)
	}
	for _, run := range s.runs.List() {
		if run.Status != domain.StatusRunning {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.syncRun(ctx, run)
	}
}

func (s *jobSyncer) syncRun(ctx context.Context, run domain.Run) {
	handle, ok := s.lifecycle.JobHandle(run.ID)
	if !ok {
		return
	}
	obs, err := s.inspector.Inspect(ctx, handle)
	if err != nil {
		s.logger.Warn("job inspect failed", "run_id", run.ID, "job", handle, "error", err)
		return
	}
	if !obs.Finished() {
		return
	}

	if _, err := s.lifecycle.CompleteRun(ctx, run.ID, obs.Status, obs.Message); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidState) {
			// Cancelled between the list and the inspect.
			return
		}
		s.logger.Error("complete run failed", "run_id", run.ID, "error", err)
		return
	}
	s.logger.Info("run finished", "run_id", run.ID, "status", obs.Status)

	s.collectArtifacts(ctx, run.ID)
}

// collectArtifacts records what the run uploaded. A failed discovery is
// retried on later ticks, up to maxDiscoveryAttempts in total.
func (s *jobSyncer) collectArtifacts(ctx context.Context, runID string) {
	if s.store == nil {
		return
	}
	artifacts, err := s.discoverArtifacts(ctx, runID)
	if len(artifacts) > 0 {
		if _, rerr := s.lifecycle.RecordArtifacts(ctx, runID, artifacts); rerr != nil {
			s.logger.Error("record artifacts failed", "run_id", runID, "error", rerr)
		}
	}
	if err == nil {
		delete(s.retries, runID)
		return
	}
	if s.retries == nil {
		s.retries = make(map[string]int)
	}
	s.retries[runID]++
	if s.retries[runID] >= maxDiscoveryAttempts {
		s.logger.Error("artifact discovery abandoned", "run_id", runID, "attempts", s.retries[runID], "error", err)
		delete(s.retries, runID)
		return
	}
	s.logger.Warn("artifact discovery failed", "run_id", runID, "attempt", s.retries[runID], "error", err)
}

// discoverArtifacts lists the run's uploaded artifacts and the checkpoint it
// produced, if any. Partial results are returned alongside the first error.
func (s *jobSyncer) discoverArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	cfg := s.builder.Config()
	var out []domain.Artifact
	var firstErr error

	objects, err := s.store.List(ctx, cfg.ArtifactsBucket, jobspec.ArtifactsKeyPrefix(runID))
	if err != nil {
		firstErr = err
	}
	for _, obj := range objects {
		if path.Base(obj.Key) == ".done" {
			continue
		}
		uri := "s3://" + cfg.ArtifactsBucket + "/" + obj.Key
		out = append(out, newArtifact(artifactKind(obj.Key, cfg.CheckpointExt), uri))
	}

	ckptKey := s.builder.CheckpointOutKey(runID)
	if _, err := s.store.Stat(ctx, cfg.CheckpointBucket, ckptKey); err == nil {
		out = append(out, newArtifact(domain.ArtifactKindCheckpoint, s.builder.CheckpointOutURI(runID)))
	} else if !errors.Is(err, objectstore.ErrObjectNotFound) && firstErr == nil {
		firstErr = err
	}
	return out, firstErr
}

// newArtifact derives a stable identifier from the locator so rediscovery
// yields the same artifact.
func newArtifact(kind domain.ArtifactKind, uri string) domain.Artifact {
	return domain.Artifact{
		ID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri)).String(),
		Kind: kind,
		URI:  uri,
	}
}

func artifactKind(key, checkpointExt string) domain.ArtifactKind {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(key)), ".")
	switch ext {
	case checkpointExt:
		return domain.ArtifactKindCheckpoint
	case "mp4", "webm", "mkv", "gif":
		return domain.ArtifactKindVideo
	case "csv", "json", "jsonl", "parquet":
		return domain.ArtifactKindMetrics
	default:
		return domain.ArtifactKindLog
	}
}
