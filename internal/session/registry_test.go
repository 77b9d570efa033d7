package session

import (
	"testing"

	"github.com/swarmgit/swarmgit/pkg/models"
)

func TestRegistry_createAndUpdate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if _, err := r.Create("worker-1", models.RoleWorker); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("worker-1", models.RoleWorker); err == nil {
		t.Fatal("duplicate id should fail")
	}

	r.Update("worker-1", func(s *Session) {
		s.Status = models.SessionWorking
		s.Turns++
	})
	s, ok := r.Get("worker-1")
	if !ok || s.Status != models.SessionWorking || s.Turns != 1 {
		t.Fatalf("session = %+v", s)
	}
	if s.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt should be stamped")
	}
}

func TestRegistry_idsFilterAndOrder(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, _ = r.Create("lead", models.RoleLead)
	_, _ = r.Create("worker-1", models.RoleWorker)
	_, _ = r.Create("worker-2", models.RoleWorker)

	workers := r.IDs(models.RoleWorker)
	if len(workers) != 2 || workers[0] != "worker-1" || workers[1] != "worker-2" {
		t.Fatalf("workers = %v", workers)
	}
	all := r.IDs("")
	if len(all) != 3 || all[0] != "lead" {
		t.Fatalf("all = %v", all)
	}
}

func TestRegistry_statesRoundTrip(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, _ = r.Create("worker-1", models.RoleWorker)
	r.Update("worker-1", func(s *Session) {
		s.Status = models.SessionRateLimited
		s.ResumeHandle = "h-42"
		s.CredentialIndex = 2
		s.Merges = 3
	})

	states := r.States()
	restored := NewRegistry()
	restored.Restore(states)
	got, ok := restored.Get("worker-1")
	if !ok {
		t.Fatal("session lost in round trip")
	}
	if got.ResumeHandle != "h-42" || got.CredentialIndex != 2 || got.Merges != 3 || got.Status != models.SessionRateLimited {
		t.Fatalf("restored = %+v", got)
	}
}
