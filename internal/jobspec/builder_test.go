package jobspec

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/montylab/simorch/internal/domain"
	"github.com/montylab/simorch/internal/platform/k8s"
)

func testRun() domain.Run {
	return domain.Run{
		ID:             "run-20260102-030405-0a1b2c3d",
		Name:           "walk",
		Owner:          "alice@example.com",
		Status:         domain.StatusPending,
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		MontyImage:     domain.DockerImage{ID: "m1", Repo: "monty", Tag: "latest", Role: domain.ImageRoleMonty},
		SimulatorImage: domain.DockerImage{ID: "s1", Repo: "unitree-sim", Tag: "isaac-5.0", Role: domain.ImageRoleSimulator},
		BrainProfile:   domain.BrainProfile{ID: "bp1", Name: "Small (Fast)", Config: "size: small\nlayers: 2"},
	}
}

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(DefaultConfig())
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b
}

func findContainer(t *testing.T, job k8s.Job, name string) k8s.Container {
	t.Helper()
	for _, c := range job.Spec.Template.Spec.Containers {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("container %q not found", name)
	return k8s.Container{}
}

func envValue(t *testing.T, c k8s.Container, name string) string {
	t.Helper()
	for _, e := range c.Env {
		if e.Name == name {
			return e.Value
		}
	}
	t.Fatalf("env %q not found in %s", name, c.Name)
	return ""
}

func TestBuildIsDeterministic(t *testing.T) {
	b := testBuilder(t)
	policy := DefaultPolicy("123.dkr.ecr.us-east-1.amazonaws.com")

	var first []byte
	for i := 0; i < 5; i++ {
		job, err := b.Build(testRun(), policy)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		raw, err := Marshal(job)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if first == nil {
			first = raw
			continue
		}
		if !bytes.Equal(first, raw) {
			t.Fatalf("build %d differs:\n%s\n%s", i, first, raw)
		}
	}
}

func TestBuildShape(t *testing.T) {
	b := testBuilder(t)
	job, err := b.Build(testRun(), DefaultPolicy("registry.local"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if job.Metadata.Name != "sim-run-run-20260102-030405-0a1b2c3d" {
		t.Fatalf("name=%q", job.Metadata.Name)
	}
	if job.Metadata.Labels["user"] != "alice_example.com" || job.Metadata.Labels["profile"] != "bp1" {
		t.Fatalf("labels=%v", job.Metadata.Labels)
	}
	if *job.Spec.BackoffLimit != 0 || *job.Spec.ActiveDeadlineSeconds != 3600 || *job.Spec.TTLSecondsAfterFinished != 600 {
		t.Fatalf("unexpected job spec: %+v", job.Spec)
	}
	pod := job.Spec.Template.Spec
	if pod.RestartPolicy != "Never" || pod.NodeSelector["role"] != "gpu" || len(pod.Tolerations) != 1 {
		t.Fatalf("unexpected pod spec: %+v", pod)
	}
	names := []string{}
	for _, c := range pod.Containers {
		names = append(names, c.Name)
	}
	if strings.Join(names, ",") != "simulator,brain-runtime,bridge,artifact-uploader" {
		t.Fatalf("containers=%v", names)
	}
	if len(pod.InitContainers) != 1 || pod.InitContainers[0].Name != "bridge-fetch" {
		t.Fatalf("init containers=%+v", pod.InitContainers)
	}

	sim := findContainer(t, job, "simulator")
	if sim.Image != "registry.local/unitree-sim:isaac-5.0" {
		t.Fatalf("simulator image=%q", sim.Image)
	}
	if sim.Resources.Limits["nvidia.com/gpu"] != "1" || sim.Ports[0].ContainerPort != 8554 {
		t.Fatalf("simulator resources/ports: %+v", sim)
	}
	if envValue(t, sim, "STREAMING") != "true" || envValue(t, sim, "DT") != "0.005" {
		t.Fatalf("simulator env: %+v", sim.Env)
	}

	bridge := findContainer(t, job, "bridge")
	if strings.Join(bridge.Command, " ") != "python /bridge/run.py" {
		t.Fatalf("bridge command=%v", bridge.Command)
	}
	if err := k8s.ValidateJob(job); err != nil {
		t.Fatalf("built job fails schema: %v", err)
	}
}

func TestCheckpointLocators(t *testing.T) {
	b := testBuilder(t)
	run := testRun()
	job, err := b.Build(run, DefaultPolicy(""))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	brain := findContainer(t, job, "brain-runtime")
	if got := envValue(t, brain, "CHECKPOINT_IN"); got != "" {
		t.Fatalf("CHECKPOINT_IN=%q, want empty", got)
	}
	want := "s3://monty-checkpoints-dev/checkpoints/" + run.ID + "/out.mstate"
	if got := envValue(t, brain, "CHECKPOINT_OUT"); got != want || got != b.CheckpointOutURI(run.ID) {
		t.Fatalf("CHECKPOINT_OUT=%q, want %q", got, want)
	}
	if envValue(t, brain, "MONTY_CONFIG") != "/bridge/monty.yaml" {
		t.Fatalf("MONTY_CONFIG=%q", envValue(t, brain, "MONTY_CONFIG"))
	}
	uploader := findContainer(t, job, "artifact-uploader")
	if !strings.Contains(uploader.Command[2], want) || !strings.Contains(uploader.Command[2], "runs/"+run.ID+"/artifacts") {
		t.Fatalf("uploader script does not reference locators:\n%s", uploader.Command[2])
	}
}

func TestCheckpointInOnlyChangesItsField(t *testing.T) {
	b := testBuilder(t)
	policy := DefaultPolicy("")
	base := testRun()
	with := testRun()
	with.CheckpointIn = "s3://monty-checkpoints-dev/checkpoints/run-old/out.mstate"

	j1, err := b.Build(base, policy)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	j2, err := b.Build(with, policy)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if envValue(t, findContainer(t, j2, "brain-runtime"), "CHECKPOINT_IN") != with.CheckpointIn {
		t.Fatalf("CHECKPOINT_IN not propagated")
	}

	// Blank the differing field and the two documents must match.
	for i := range j2.Spec.Template.Spec.Containers {
		c := &j2.Spec.Template.Spec.Containers[i]
		for k := range c.Env {
			if c.Env[k].Name == "CHECKPOINT_IN" {
				c.Env[k].Value = ""
			}
		}
	}
	r1, _ := Marshal(j1)
	r2, _ := Marshal(j2)
	if !bytes.Equal(r1, r2) {
		t.Fatalf("documents differ beyond CHECKPOINT_IN")
	}
}

func TestBuildRejectsInvalidPolicy(t *testing.T) {
	b := testBuilder(t)
	for _, deadline := range []int64{0, 299, 7201} {
		policy := DefaultPolicy("")
		policy.ActiveDeadlineSeconds = deadline
		if _, err := b.Build(testRun(), policy); !errors.Is(err, ErrInvalidPolicy) {
			t.Fatalf("deadline %d: expected ErrInvalidPolicy, got %v", deadline, err)
		}
	}
	for _, deadline := range []int64{300, 7200} {
		policy := DefaultPolicy("").WithDeadline(deadline)
		if _, err := b.Build(testRun(), policy); err != nil {
			t.Fatalf("deadline %d rejected: %v", deadline, err)
		}
	}

	policy := DefaultPolicy("")
	policy.NodeSelector = nil
	if _, err := b.Build(testRun(), policy); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("empty selector: expected ErrInvalidPolicy, got %v", err)
	}
}

func TestBridgeKeyAndEndpointURL(t *testing.T) {
	if got := BridgeKey("run-1", BridgeScript); got != "bridge/run-1/run.py" {
		t.Fatalf("BridgeKey()=%q", got)
	}
	cfg := DefaultConfig()
	cfg.ObjectStoreURL = "http://minio:9000"
	b, err := NewBuilder(cfg)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	job, err := b.Build(testRun(), DefaultPolicy(""))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	fetch := job.Spec.Template.Spec.InitContainers[0]
	if !strings.Contains(fetch.Command[2], "--endpoint-url 'http://minio:9000'") {
		t.Fatalf("fetch script missing endpoint: %s", fetch.Command[2])
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SIMORCH_S3_CHECKPOINTS_BUCKET", "ckpt")
	t.Setenv("SIMORCH_CHECKPOINT_EXT", "bin")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	b, err := NewBuilder(cfg)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if got := b.CheckpointOutURI("r"); got != "s3://ckpt/checkpoints/r/out.bin" {
		t.Fatalf("CheckpointOutURI()=%q", got)
	}

	t.Setenv("SIMORCH_CHECKPOINT_EXT", "a.b")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error for dotted extension")
	}
}

func TestPolicyFromEnv(t *testing.T) {
	t.Setenv("SIMORCH_GPU_NODE_SELECTOR", "pool=a100")
	t.Setenv("SIMORCH_DEFAULT_DEADLINE_SECONDS", "900")
	policy, err := PolicyFromEnv()
	if err != nil {
		t.Fatalf("PolicyFromEnv: %v", err)
	}
	if policy.NodeSelector["pool"] != "a100" || policy.ActiveDeadlineSeconds != 900 {
		t.Fatalf("policy=%+v", policy)
	}

	t.Setenv("SIMORCH_DEFAULT_DEADLINE_SECONDS", "10")
	if _, err := PolicyFromEnv(); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

const fakeAWS = `#!/bin/sh
n=$(cat "$STATE/calls" 2>/dev/null || echo 0)
n=$((n+1))
echo "$n" > "$STATE/calls"
case " $FAIL_CALLS " in
  *" $n "*) echo "connection reset" >&2; exit 1 ;;
esac
touch "$ARTIFACTS/.done"
`

// runUploader executes the uploader script with the pod mounts rooted at a
// temp dir and a fake aws binary that fails the listed call numbers.
func runUploader(t *testing.T, failCalls string) (int, error) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cfg := DefaultConfig()
	cfg.UploadIntervalSecs = 1
	b, err := NewBuilder(cfg)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	job, err := b.Build(testRun(), DefaultPolicy(""))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	for _, dir := range []string{bin, root + artifactsMount, root + checkpointMount} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(bin, "aws"), []byte(fakeAWS), 0o755); err != nil {
		t.Fatalf("write aws: %v", err)
	}
	if err := os.WriteFile(root+checkpointMount+"/out.mstate", []byte("ckpt"), 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	script := findContainer(t, job, "artifact-uploader").Command[2]
	script = strings.ReplaceAll(script, " "+artifactsMount, " "+root+artifactsMount)
	script = strings.ReplaceAll(script, " "+checkpointMount, " "+root+checkpointMount)

	cmd := exec.Command("sh", "-c", script)
	cmd.Env = append(os.Environ(),
		"PATH="+bin+string(os.PathListSeparator)+os.Getenv("PATH"),
		"STATE="+root,
		"ARTIFACTS="+root+artifactsMount,
		"FAIL_CALLS="+failCalls,
	)
	runErr := cmd.Run()
	raw, err := os.ReadFile(filepath.Join(root, "calls"))
	if err != nil {
		t.Fatalf("read calls: %v", err)
	}
	calls, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse calls: %v", err)
	}
	return calls, runErr
}

func TestUploaderRetriesFailedPeriodicSync(t *testing.T) {
	calls, err := runUploader(t, "1")
	if err != nil {
		t.Fatalf("uploader exited with %v after a transient sync failure", err)
	}
	// failed sync, successful sync, final sync, checkpoint copy
	if calls != 4 {
		t.Fatalf("aws calls=%d, want 4", calls)
	}
}

func TestUploaderFailsWhenCheckpointUploadFails(t *testing.T) {
	calls, err := runUploader(t, "3")
	if err == nil {
		t.Fatalf("uploader succeeded although the checkpoint upload failed")
	}
	if calls != 3 {
		t.Fatalf("aws calls=%d, want 3", calls)
	}
}
