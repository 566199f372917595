package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func terminalJob(id, workerID string, startedAt time.Time) domain.Job {
	finished := startedAt.Add(time.Second)
	return domain.Job{
		ID:         id,
		WorkerID:   workerID,
		Message:    "task",
		Status:     domain.JobSucceeded,
		StartedAt:  startedAt,
		FinishedAt: &finished,
		DurationMs: 1000,
		Response:   "done",
		Report:     map[string]any{"files": 3.0},
	}
}

func TestRecordAndRecallJobs(t *testing.T) {
	s := newStore(t)
	base := time.Now().Add(-time.Hour)

	if err := s.RecordJob(terminalJob("j1", "coder", base)); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJob(terminalJob("j2", "coder", base.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJob(terminalJob("j3", "scout", base.Add(2*time.Minute))); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentJobs("coder", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "j2" || got[1].ID != "j1" {
		t.Fatalf("RecentJobs(coder) = %+v, want j2 then j1", got)
	}
	if got[0].Response != "done" || got[0].Status != domain.JobSucceeded {
		t.Errorf("job round-trip lost fields: %+v", got[0])
	}
	if got[0].Report["files"] != 3.0 {
		t.Errorf("report round-trip = %v", got[0].Report)
	}
	if got[0].FinishedAt == nil {
		t.Error("FinishedAt lost")
	}

	all, err := s.RecentJobs("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("RecentJobs(all) = %d rows, want 3", len(all))
	}
}

func TestRunningJobsNotArchived(t *testing.T) {
	s := newStore(t)
	if err := s.RecordJob(domain.Job{ID: "r1", WorkerID: "coder", Status: domain.JobRunning, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	got, err := s.RecentJobs("coder", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("running job was archived: %+v", got)
	}
}

func TestMessagesBetween(t *testing.T) {
	s := newStore(t)
	for i, at := range []int64{100, 200, 300} {
		err := s.RecordMessage(domain.Message{
			ID: string(rune('a' + i)), From: "alice", To: "bob",
			Text: "hi", CreatedAt: at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	s.RecordMessage(domain.Message{ID: "x", From: "alice", To: "carol", Text: "hi", CreatedAt: 150})

	got, err := s.MessagesBetween("bob", 100, 300, 0)
	if err != nil {
		t.Fatal(err)
	}
	// after is exclusive, before inclusive.
	if len(got) != 2 || got[0].CreatedAt != 200 || got[1].CreatedAt != 300 {
		t.Fatalf("MessagesBetween = %+v", got)
	}
}
