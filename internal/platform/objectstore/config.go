package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/montylab/simorch/internal/platform/env"
)

type Config struct {
	Endpoint          string
	AccessKey         string
	SecretKey         string
	Region            string
	UseSSL            bool
	BucketCheckpoints string
	BucketArtifacts   string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("SIMORCH_S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:          env.String("SIMORCH_S3_ENDPOINT", "localhost:9000"),
		AccessKey:         env.String("SIMORCH_S3_ACCESS_KEY", "simorch"),
		SecretKey:         env.String("SIMORCH_S3_SECRET_KEY", "simorchminio"),
		Region:            env.String("SIMORCH_S3_REGION", "us-east-1"),
		UseSSL:            useSSL,
		BucketCheckpoints: env.String("SIMORCH_S3_CHECKPOINTS_BUCKET", "monty-checkpoints-dev"),
		BucketArtifacts:   env.String("SIMORCH_S3_ARTIFACTS_BUCKET", "sim-artifacts-dev"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketCheckpoints) == "" {
		return errors.New("checkpoints bucket is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
