package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

func testFingerprint(pkg string) models.Fingerprint {
	return models.Fingerprint{
		User: "alice", Project: "tools", Package: pkg, Branch: "main",
		Distro: "debian", Release: "bookworm", Arch: "amd64",
	}
}

func TestJobCreateRejectsDuplicateActiveFingerprint(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := &models.BuildJob{Fingerprint: testFingerprint("libfoo"), Status: models.JobStatusWaiting}
	if err := s.Jobs().Create(ctx, first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected an ID to be assigned")
	}

	dup := &models.BuildJob{Fingerprint: testFingerprint("libfoo"), Status: models.JobStatusWaiting}
	if err := s.Jobs().Create(ctx, dup); !errors.Is(err, store.ErrDuplicateActive) {
		t.Fatalf("expected ErrDuplicateActive, got %v", err)
	}

	first.Status = models.JobStatusFinished
	if err := s.Jobs().Update(ctx, first); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := s.Jobs().Create(ctx, dup); err != nil {
		t.Fatalf("Create() after finish error = %v", err)
	}
}

func TestJobListOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"c", "b", "a"} {
		job := &models.BuildJob{
			ID:          id,
			Fingerprint: testFingerprint(id),
			Status:      models.JobStatusWaiting,
			CreatedAt:   base.Add(time.Duration(i/2) * time.Minute),
		}
		if err := s.Jobs().Create(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.Jobs().ListByStatus(ctx, models.JobStatusWaiting)
	if err != nil {
		t.Fatal(err)
	}
	got := []string{jobs[0].ID, jobs[1].ID, jobs[2].ID}
	want := []string{"b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Jobs().Create(ctx, &models.BuildJob{ID: "x", Status: models.JobStatusWaiting}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.Jobs().Get(ctx, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}

func TestReturnedJobsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	job := &models.BuildJob{ID: "j", Status: models.JobStatusWaiting}
	_ = s.Jobs().Create(ctx, job)

	got, _ := s.Jobs().Get(ctx, "j")
	got.Status = models.JobStatusBuilding

	again, _ := s.Jobs().Get(ctx, "j")
	if again.Status != models.JobStatusWaiting {
		t.Fatal("mutating a returned job leaked into the store")
	}
}

func TestLogTail(t *testing.T) {
	ctx := context.Background()
	s := New()
	var entries []*models.LogEntry
	for _, line := range []string{"one", "two", "three"} {
		entries = append(entries, &models.LogEntry{JobID: "j", Line: line})
	}
	if err := s.Logs().Append(ctx, entries); err != nil {
		t.Fatal(err)
	}

	tail, _ := s.Logs().Tail(ctx, "j", 2)
	if len(tail) != 2 || tail[0].Line != "two" || tail[1].Line != "three" {
		t.Fatalf("Tail() = %+v", tail)
	}
}

func TestPackageDirtyState(t *testing.T) {
	ctx := context.Background()
	s := New()
	fp := testFingerprint("libfoo")

	if _, err := s.Packages().Get(ctx, fp); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = s.Packages().SetDirty(ctx, fp, true, "abc")
	_ = s.Packages().SetDirty(ctx, fp, false, "")

	st, err := s.Packages().Get(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if st.Dirty || st.LastCommit != "abc" {
		t.Fatalf("state = %+v", st)
	}
}
