package jobspec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/montylab/simorch/internal/platform/env"
)

// Config holds deployment constants shared by every job the builder emits.
type Config struct {
	Namespace        string
	CheckpointBucket string
	ArtifactsBucket  string
	CheckpointExt    string
	BridgeImage      string
	UploaderImage    string
	// ObjectStoreURL is passed to the aws cli as --endpoint-url when set.
	ObjectStoreURL     string
	ServiceAccount     string
	JobTTLSeconds      int32
	StreamPort         int32
	TimeStep           string
	UploadIntervalSecs int
}

func DefaultConfig() Config {
	return Config{
		Namespace:          "monty-sim",
		CheckpointBucket:   "monty-checkpoints-dev",
		ArtifactsBucket:    "sim-artifacts-dev",
		CheckpointExt:      "mstate",
		BridgeImage:        "glue-base:py310",
		UploaderImage:      "public.ecr.aws/aws-cli/aws-cli:latest",
		ServiceAccount:     "sim-runner",
		JobTTLSeconds:      600,
		StreamPort:         8554,
		TimeStep:           "0.005",
		UploadIntervalSecs: 30,
	}
}

func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	ttl, err := env.Int("SIMORCH_JOB_TTL_SECONDS", int(def.JobTTLSeconds))
	if err != nil {
		return Config{}, err
	}
	port, err := env.Int("SIMORCH_STREAM_PORT", int(def.StreamPort))
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Int("SIMORCH_UPLOAD_INTERVAL_SECONDS", def.UploadIntervalSecs)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Namespace:          strings.TrimSpace(env.String("SIMORCH_NAMESPACE", def.Namespace)),
		CheckpointBucket:   strings.TrimSpace(env.String("SIMORCH_S3_CHECKPOINTS_BUCKET", def.CheckpointBucket)),
		ArtifactsBucket:    strings.TrimSpace(env.String("SIMORCH_S3_ARTIFACTS_BUCKET", def.ArtifactsBucket)),
		CheckpointExt:      strings.TrimSpace(env.String("SIMORCH_CHECKPOINT_EXT", def.CheckpointExt)),
		BridgeImage:        strings.TrimSpace(env.String("SIMORCH_BRIDGE_IMAGE", def.BridgeImage)),
		UploaderImage:      strings.TrimSpace(env.String("SIMORCH_UPLOADER_IMAGE", def.UploaderImage)),
		ObjectStoreURL:     strings.TrimSpace(env.String("SIMORCH_UPLOADER_ENDPOINT_URL", "")),
		ServiceAccount:     strings.TrimSpace(env.String("SIMORCH_JOB_SERVICE_ACCOUNT", def.ServiceAccount)),
		JobTTLSeconds:      int32(ttl),
		StreamPort:         int32(port),
		TimeStep:           strings.TrimSpace(env.String("SIMORCH_TIME_STEP", def.TimeStep)),
		UploadIntervalSecs: interval,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	if c.CheckpointBucket == "" {
		return errors.New("checkpoint bucket is required")
	}
	if c.ArtifactsBucket == "" {
		return errors.New("artifacts bucket is required")
	}
	if c.CheckpointExt == "" || strings.ContainsAny(c.CheckpointExt, "./ ") {
		return fmt.Errorf("checkpoint extension is invalid: %q", c.CheckpointExt)
	}
	if c.BridgeImage == "" {
		return errors.New("bridge image is required")
	}
	if c.UploaderImage == "" {
		return errors.New("uploader image is required")
	}
	if c.JobTTLSeconds < 0 {
		return errors.New("job ttl must be non-negative")
	}
	if c.StreamPort <= 0 || c.StreamPort > 65535 {
		return fmt.Errorf("stream port out of range: %d", c.StreamPort)
	}
	if c.TimeStep == "" {
		return errors.New("time step is required")
	}
	if c.UploadIntervalSecs <= 0 {
		return errors.New("upload interval must be positive")
	}
	if strings.Contains(c.ObjectStoreURL, " ") {
		return fmt.Errorf("uploader endpoint url is invalid: %q", c.ObjectStoreURL)
	}
	return nil
}
