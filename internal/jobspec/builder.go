// Package jobspec renders a run and its execution policy into the batch Job
// the scheduler runs. Rendering is pure: the same run and policy always
// produce byte-identical output.
package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/montylab/simorch/internal/domain"
	"github.com/montylab/simorch/internal/platform/k8s"
)

const (
	appLabel = "sim-run"

	checkpointMount = "/checkpoints"
	artifactsMount  = "/artifacts"
	bridgeMount     = "/bridge"

	BridgeScript = "run.py"
	BridgeConfig = "monty.yaml"
)

type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg}, nil
}

func (b *Builder) Config() Config {
	return b.cfg
}

func JobName(runID string) string {
	return "sim-run-" + runID
}

// BridgeKey is the artifacts bucket key of a bridge file for a run.
func BridgeKey(runID, file string) string {
	return path.Join("bridge", runID, file)
}

// CheckpointOutURI is where the brain runtime's final state is uploaded.
func (b *Builder) CheckpointOutURI(runID string) string {
	return fmt.Sprintf("s3://%s/checkpoints/%s/out.%s", b.cfg.CheckpointBucket, runID, b.cfg.CheckpointExt)
}

// CheckpointOutKey is CheckpointOutURI without the scheme and bucket.
func (b *Builder) CheckpointOutKey(runID string) string {
	return fmt.Sprintf("checkpoints/%s/out.%s", runID, b.cfg.CheckpointExt)
}

func (b *Builder) ArtifactsPrefix(runID string) string {
	return fmt.Sprintf("s3://%s/%s", b.cfg.ArtifactsBucket, ArtifactsKeyPrefix(runID))
}

func ArtifactsKeyPrefix(runID string) string {
	return "runs/" + runID + "/artifacts/"
}

// Build renders run under policy. It reads no clock and no randomness.
func (b *Builder) Build(run domain.Run, policy Policy) (k8s.Job, error) {
	if err := policy.Validate(); err != nil {
		return k8s.Job{}, err
	}
	if strings.TrimSpace(run.ID) == "" {
		return k8s.Job{}, errors.New("run id is required")
	}
	if err := run.MontyImage.Validate(); err != nil {
		return k8s.Job{}, fmt.Errorf("monty image: %w", err)
	}
	if err := run.SimulatorImage.Validate(); err != nil {
		return k8s.Job{}, fmt.Errorf("simulator image: %w", err)
	}

	labels := map[string]string{
		"app":     appLabel,
		"run-id":  labelValue(run.ID),
		"profile": labelValue(run.BrainProfile.ID),
		"user":    labelValue(run.Owner),
	}

	ckptOutPath := path.Join(checkpointMount, "out."+b.cfg.CheckpointExt)
	mounts := []k8s.VolumeMount{
		{Name: "checkpoint", MountPath: checkpointMount},
		{Name: "artifacts", MountPath: artifactsMount},
		{Name: "bridge", MountPath: bridgeMount},
	}
	dt := k8s.EnvVar{Name: "DT", Value: b.cfg.TimeStep}

	simulator := k8s.Container{
		Name:  "simulator",
		Image: run.SimulatorImage.Reference(policy.Registry),
		Env: sortedEnv(
			dt,
			k8s.EnvVar{Name: "STREAMING", Value: "true"},
		),
		Ports: []k8s.ContainerPort{{Name: "stream", ContainerPort: b.cfg.StreamPort, Protocol: "TCP"}},
		Resources: k8s.ResourceRequirements{
			Limits: map[string]string{"nvidia.com/gpu": "1"},
		},
		VolumeMounts: cloneMounts(mounts),
	}

	brain := k8s.Container{
		Name:  "brain-runtime",
		Image: run.MontyImage.Reference(policy.Registry),
		Env: sortedEnv(
			dt,
			k8s.EnvVar{Name: "CHECKPOINT_IN", Value: run.CheckpointIn},
			k8s.EnvVar{Name: "CHECKPOINT_OUT", Value: b.CheckpointOutURI(run.ID)},
			k8s.EnvVar{Name: "CHECKPOINT_OUT_PATH", Value: ckptOutPath},
			k8s.EnvVar{Name: "MONTY_CONFIG", Value: path.Join(bridgeMount, BridgeConfig)},
		),
		VolumeMounts: cloneMounts(mounts),
	}

	bridge := k8s.Container{
		Name:    "bridge",
		Image:   b.cfg.BridgeImage,
		Command: []string{"python", path.Join(bridgeMount, BridgeScript)},
		Env: sortedEnv(
			dt,
			k8s.EnvVar{Name: "OBS_SCHEMA_PATH", Value: path.Join(bridgeMount, "observation.schema.json")},
			k8s.EnvVar{Name: "ACT_SCHEMA_PATH", Value: path.Join(bridgeMount, "action.schema.json")},
		),
		VolumeMounts: cloneMounts(mounts),
	}

	uploader := k8s.Container{
		Name:    "artifact-uploader",
		Image:   b.cfg.UploaderImage,
		Command: []string{"/bin/sh", "-c", b.uploadScript(run.ID, ckptOutPath)},
		VolumeMounts: []k8s.VolumeMount{
			{Name: "checkpoint", MountPath: checkpointMount},
			{Name: "artifacts", MountPath: artifactsMount},
		},
	}

	fetch := k8s.Container{
		Name:    "bridge-fetch",
		Image:   b.cfg.UploaderImage,
		Command: []string{"/bin/sh", "-c", b.fetchScript(run.ID)},
		VolumeMounts: []k8s.VolumeMount{
			{Name: "bridge", MountPath: bridgeMount},
		},
	}

	backoff := int32(0)
	deadline := policy.ActiveDeadlineSeconds
	var ttl *int32
	if b.cfg.JobTTLSeconds > 0 {
		v := b.cfg.JobTTLSeconds
		ttl = &v
	}

	podSpec := k8s.PodSpec{
		RestartPolicy:      "Never",
		ServiceAccountName: b.cfg.ServiceAccount,
		NodeSelector:       cloneMap(policy.NodeSelector),
		Tolerations:        append([]k8s.Toleration(nil), policy.Tolerations...),
		InitContainers:     []k8s.Container{fetch},
		Containers:         []k8s.Container{simulator, brain, bridge, uploader},
		Volumes: []k8s.Volume{
			{Name: "checkpoint", EmptyDir: &k8s.EmptyDirVolumeSource{}},
			{Name: "artifacts", EmptyDir: &k8s.EmptyDirVolumeSource{}},
			{Name: "bridge", EmptyDir: &k8s.EmptyDirVolumeSource{}},
		},
	}

	return k8s.Job{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata: k8s.ObjectMeta{
			Name:      JobName(run.ID),
			Namespace: b.cfg.Namespace,
			Labels:    labels,
		},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoff,
			ActiveDeadlineSeconds:   &deadline,
			TTLSecondsAfterFinished: ttl,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: cloneMap(labels)},
				Spec:     podSpec,
			},
		},
	}, nil
}

// Marshal encodes job canonically. Map keys are emitted sorted.
func Marshal(job k8s.Job) ([]byte, error) {
	return json.Marshal(job)
}

func (b *Builder) awsCLI() string {
	if b.cfg.ObjectStoreURL == "" {
		return "aws"
	}
	return "aws --endpoint-url " + shellQuote(b.cfg.ObjectStoreURL)
}

func (b *Builder) fetchScript(runID string) string {
	src := fmt.Sprintf("s3://%s/%s/", b.cfg.ArtifactsBucket, path.Join("bridge", runID))
	return fmt.Sprintf("set -e\n%s s3 sync %s %s --only-show-errors\n", b.awsCLI(), shellQuote(src), bridgeMount)
}

// The simulator touches /artifacts/.done when it is finished. Periodic syncs
// may fail and are retried on the next tick; the final sync and the
// checkpoint upload after the loop must succeed.
func (b *Builder) uploadScript(runID, ckptOutPath string) string {
	cli := b.awsCLI()
	dest := shellQuote(strings.TrimSuffix(b.ArtifactsPrefix(runID), "/"))
	var sb strings.Builder
	sb.WriteString("while true; do\n")
	fmt.Fprintf(&sb, "  if [ -f %s/.done ]; then break; fi\n", artifactsMount)
	fmt.Fprintf(&sb, "  %s s3 sync %s %s --only-show-errors || echo \"artifact sync failed, retrying\" >&2\n", cli, artifactsMount, dest)
	fmt.Fprintf(&sb, "  sleep %s\n", strconv.Itoa(b.cfg.UploadIntervalSecs))
	sb.WriteString("done\n")
	sb.WriteString("set -e\n")
	fmt.Fprintf(&sb, "%s s3 sync %s %s --only-show-errors\n", cli, artifactsMount, dest)
	fmt.Fprintf(&sb, "if [ -f %s ]; then\n", ckptOutPath)
	fmt.Fprintf(&sb, "  %s s3 cp %s %s --only-show-errors\n", cli, ckptOutPath, shellQuote(b.CheckpointOutURI(runID)))
	sb.WriteString("fi\n")
	return sb.String()
}

func sortedEnv(vars ...k8s.EnvVar) []k8s.EnvVar {
	out := append([]k8s.EnvVar(nil), vars...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cloneMounts(in []k8s.VolumeMount) []k8s.VolumeMount {
	return append([]k8s.VolumeMount(nil), in...)
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// labelValue coerces s into Kubernetes label value syntax.
func labelValue(s string) string {
	var sb strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	out := sb.String()
	if len(out) > 63 {
		out = out[:63]
	}
	out = strings.TrimFunc(out, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	if out == "" {
		return "anonymous"
	}
	return out
}
