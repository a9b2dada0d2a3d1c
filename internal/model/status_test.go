package model

import "testing"

func TestCanTransition_AllowsExpectedPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{"", StatusPending},
		{StatusPending, StatusRunning},
		{StatusPending, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
	}

	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectsInvalidPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusPending},
		{"", StatusRunning},
		{"not_a_state", StatusPending},
	}

	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestCanTransitionJob_StartsRunning(t *testing.T) {
	if !CanTransitionJob("", StatusRunning) {
		t.Fatalf("expected new job log to start running")
	}
	if CanTransitionJob("", StatusPending) {
		t.Fatalf("job logs have no pending state")
	}
	if CanTransitionJob(StatusFailed, StatusCompleted) {
		t.Fatalf("expected terminal job status to stay terminal")
	}
}

func TestTransitionDownloadRun_BlocksIllegalTransition(t *testing.T) {
	run := DownloadRun{ID: 4, ExportID: 2, Status: StatusPending}

	if err := TransitionDownloadRun(&run, StatusCompleted, ""); err == nil {
		t.Fatalf("expected illegal transition error")
	}
	if run.Status != StatusPending {
		t.Fatalf("status changed on rejected transition: %q", run.Status)
	}
}

func TestTransitionExportRun_RecordsError(t *testing.T) {
	run := ExportRun{ID: 1, Status: StatusRunning}
	if err := TransitionExportRun(&run, StatusFailed, "exit status 2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != StatusFailed || run.Error != "exit status 2" {
		t.Fatalf("unexpected run after transition: %+v", run)
	}
}

func TestSourceFolderOrID(t *testing.T) {
	s := Source{ExternalID: "12345"}
	if got := s.FolderOrID(); got != "12345" {
		t.Fatalf("expected external id folder, got %q", got)
	}
	s.FolderName = "  family  "
	if got := s.FolderOrID(); got != "family" {
		t.Fatalf("expected trimmed custom folder, got %q", got)
	}
}

func TestValidateFolderName(t *testing.T) {
	for _, ok := range []string{"", "  ", "family", "Family Photos 2024", "chat.archive"} {
		if err := ValidateFolderName(ok); err != nil {
			t.Fatalf("expected %q to be accepted, got %v", ok, err)
		}
	}
	for _, bad := range []string{".", "..", "a/b", `a\b`, "../up", "nul\x00byte"} {
		if err := ValidateFolderName(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestSourceEnabledFor(t *testing.T) {
	var s Source
	s.SetEnabled(JobTypeDownload, true)
	if !s.EnabledFor(JobTypeDownload) || s.EnabledFor(JobTypeSync) {
		t.Fatalf("unexpected flags: %+v", s)
	}
	if s.EnabledFor("rename") {
		t.Fatal("unknown job types are never enabled")
	}
}
