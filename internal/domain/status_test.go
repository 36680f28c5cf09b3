package domain

import "testing"

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusFailed}:    true,
		{StatusPending, StatusCancelled}: true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s)=%v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		Status("bogus"): false,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Fatalf("%s.IsTerminal()=%v, want %v", status, got, want)
		}
	}
	if !StatusPending.Cancellable() || !StatusRunning.Cancellable() {
		t.Fatalf("expected pending and running to be cancellable")
	}
	if StatusCompleted.Cancellable() {
		t.Fatalf("completed must not be cancellable")
	}
}

func TestParseStatus(t *testing.T) {
	if got := ParseStatus(" succeeded "); got != StatusCompleted {
		t.Fatalf("ParseStatus()=%q, want Completed", got)
	}
	if got := ParseStatus("canceled"); got != StatusCancelled {
		t.Fatalf("ParseStatus()=%q, want Cancelled", got)
	}
	if got := ParseStatus("nope"); got != "" {
		t.Fatalf("ParseStatus()=%q, want empty", got)
	}
}

func TestDockerImageReference(t *testing.T) {
	img := DockerImage{ID: "m1", Repo: "monty", Tag: "latest", Role: ImageRoleMonty}
	if got := img.Reference("123.dkr.ecr.us-east-1.amazonaws.com/"); got != "123.dkr.ecr.us-east-1.amazonaws.com/monty:latest" {
		t.Fatalf("Reference()=%q", got)
	}
	if got := img.Reference(""); got != "monty:latest" {
		t.Fatalf("Reference()=%q, want monty:latest", got)
	}
}

func TestRunCloneIsIndependent(t *testing.T) {
	run := Run{ID: "run-1", Artifacts: []Artifact{{ID: "a1", Kind: ArtifactKindLog}}}
	clone := run.Clone()
	clone.Artifacts[0].ID = "changed"
	clone.Artifacts = append(clone.Artifacts, Artifact{ID: "a2"})
	if run.Artifacts[0].ID != "a1" || len(run.Artifacts) != 1 {
		t.Fatalf("clone mutated original: %+v", run.Artifacts)
	}
}
