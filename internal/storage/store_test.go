package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"applytrail/internal/apperr"
	"applytrail/internal/model"

	"github.com/cockroachdb/errors"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "applytrail.db")
	store, err := NewStore(dbPath, opts...)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndFindJobs(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateJob(ctx, "u1", JobInput{
		Title:             "Backend Engineer",
		Company:           "Acme",
		Location:          "NYC",
		Status:            model.JobStatusApplied,
		ApplicationMethod: "email",
		HistoryAction:     "imported",
	})
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated job id")
	}

	if _, err := store.CreateJob(ctx, "u2", JobInput{Title: "Backend Engineer", Company: "Acme"}); err != nil {
		t.Fatalf("CreateJob other user error: %v", err)
	}

	got, err := store.FindJobs(ctx, "u1", JobFilter{Title: "backend engineer", Company: "ACME"})
	if err != nil {
		t.Fatalf("FindJobs error: %v", err)
	}
	if len(got) != 1 || got[0].ID != created.ID {
		t.Fatalf("expected case-insensitive match on u1 job only, got %+v", got)
	}

	got, err = store.FindJobs(ctx, "u1", JobFilter{Title: "Backend Engineer", Company: "Acme", Location: "SF"})
	if err != nil {
		t.Fatalf("FindJobs with location error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected location mismatch to exclude job, got %d", len(got))
	}

	job, err := store.GetJob(ctx, "u1", created.ID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if len(job.History) != 1 || job.History[0].Action != "imported" {
		t.Fatalf("expected one imported history entry, got %+v", job.History)
	}

	if _, err := store.GetJob(ctx, "u2", created.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for foreign user, got %v", err)
	}
}

func TestFindJobsFoldsNonASCIICase(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateJob(ctx, "u1", JobInput{
		Title:    "ÉCOLE Data Engineer",
		Company:  "Société Générale",
		Location: "  Île-de-France ",
	})
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	got, err := store.FindJobs(ctx, "u1", JobFilter{
		Title:    "école data engineer",
		Company:  "SOCIÉTÉ GÉNÉRALE",
		Location: "ÎLE-DE-FRANCE",
	})
	if err != nil {
		t.Fatalf("FindJobs error: %v", err)
	}
	if len(got) != 1 || got[0].ID != created.ID {
		t.Fatalf("expected accented names to match regardless of case, got %+v", got)
	}
	if got[0].Title != "ÉCOLE Data Engineer" {
		t.Fatalf("expected stored title to keep its original case, got %q", got[0].Title)
	}
}

func TestCreateJobRejectsUnknownMethod(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, WithApplicationMethods([]string{"email", "other"}))
	_, err := store.CreateJob(context.Background(), "u1", JobInput{
		Title: "SRE", Company: "Acme", ApplicationMethod: "job_board",
	})
	if !errors.Is(err, apperr.ErrUpstreamEnum) {
		t.Fatalf("expected upstream enum error, got %v", err)
	}
}

func TestUpdateJobStatusAppendsHistory(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "u1", JobInput{Title: "SRE", Company: "Acme"})
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if job.Status != model.JobStatusInterested {
		t.Fatalf("expected default status interested, got %s", job.Status)
	}

	if err := store.UpdateJobStatus(ctx, "u1", job.ID, model.JobStatusApplied, "submitted"); err != nil {
		t.Fatalf("UpdateJobStatus error: %v", err)
	}
	if err := store.AppendJobHistory(ctx, "u1", job.ID, "note", "called recruiter"); err != nil {
		t.Fatalf("AppendJobHistory error: %v", err)
	}

	got, err := store.GetJob(ctx, "u1", job.ID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Status != model.JobStatusApplied || got.AppliedAt == nil {
		t.Fatalf("expected applied job with applied_at, got %+v", got)
	}
	if len(got.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(got.History))
	}

	if err := store.UpdateJobStatus(ctx, "u2", job.ID, model.JobStatusApplied, ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for foreign user, got %v", err)
	}
	if err := store.AppendJobHistory(ctx, "u1", "missing", "note", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for missing job, got %v", err)
	}
}

func TestFingerprintIndexKeepsFirstWriter(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.LookupJobFingerprint(ctx, "u1", "fp")
	if err != nil || id != "" {
		t.Fatalf("expected empty lookup, got %q, %v", id, err)
	}

	winner, err := store.IndexJobFingerprint(ctx, "u1", "fp", "job-a", "none")
	if err != nil || winner != "job-a" {
		t.Fatalf("expected job-a indexed, got %q, %v", winner, err)
	}
	winner, err = store.IndexJobFingerprint(ctx, "u1", "fp", "job-b", "none")
	if err != nil || winner != "job-a" {
		t.Fatalf("expected existing mapping to win, got %q, %v", winner, err)
	}

	other, err := store.IndexJobFingerprint(ctx, "u2", "fp", "job-c", "none")
	if err != nil || other != "job-c" {
		t.Fatalf("expected per-user index, got %q, %v", other, err)
	}
}

func TestRecordImportEventIsUnique(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	ev := model.ImportEvent{
		UserID:           "u1",
		EventFingerprint: "evt",
		Platform:         "manual",
		SourceType:       "manual",
		AppliedAt:        time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		ResolvedJobID:    "job-1",
	}
	inserted, err := store.RecordImportEvent(ctx, &ev)
	if err != nil || !inserted {
		t.Fatalf("expected first insert, got %v, %v", inserted, err)
	}

	dup := ev
	dup.ID = 0
	dup.ResolvedJobID = "job-2"
	inserted, err = store.RecordImportEvent(ctx, &dup)
	if err != nil {
		t.Fatalf("RecordImportEvent duplicate error: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate insert to be ignored")
	}

	found, err := store.FindImportEvent(ctx, "u1", "evt")
	if err != nil {
		t.Fatalf("FindImportEvent error: %v", err)
	}
	if found == nil || found.ResolvedJobID != "job-1" {
		t.Fatalf("expected original event to survive, got %+v", found)
	}

	missing, err := store.FindImportEvent(ctx, "u2", "evt")
	if err != nil || missing != nil {
		t.Fatalf("expected no event for other user, got %+v, %v", missing, err)
	}

	total, err := store.CountImportEvents(ctx, "u1")
	if err != nil || total != 1 {
		t.Fatalf("expected 1 import event, got %d, %v", total, err)
	}
}

func TestUpsertPlatformLinkGrowsMonotonically(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	entry := model.PlatformEntry{Platform: "linkedin", SourceType: "email", ExternalID: "msg-1"}
	comm := &model.PlatformCommunication{Subject: "Thanks for applying", From: "jobs@linkedin.com", ReceivedAt: time.Now()}

	added, err := store.UpsertPlatformLink(ctx, "u1", "job-1", entry, comm)
	if err != nil || !added {
		t.Fatalf("expected new entry, got %v, %v", added, err)
	}
	added, err = store.UpsertPlatformLink(ctx, "u1", "job-1", entry, comm)
	if err != nil {
		t.Fatalf("UpsertPlatformLink second error: %v", err)
	}
	if added {
		t.Fatalf("expected identical entry to be deduplicated")
	}
	added, err = store.UpsertPlatformLink(ctx, "u1", "job-1", model.PlatformEntry{Platform: "indeed", SourceType: "email"}, nil)
	if err != nil || !added {
		t.Fatalf("expected second platform entry, got %v, %v", added, err)
	}

	link, err := store.GetPlatformLink(ctx, "u1", "job-1")
	if err != nil {
		t.Fatalf("GetPlatformLink error: %v", err)
	}
	if len(link.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(link.Entries))
	}
	if len(link.Communications) != 2 {
		t.Fatalf("expected 2 communications, got %d", len(link.Communications))
	}

	if _, err := store.GetPlatformLink(ctx, "u1", "job-2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProfileEmail(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	email, err := store.GetDefaultEmail(ctx, "u1")
	if err != nil || email != "" {
		t.Fatalf("expected empty profile email, got %q, %v", email, err)
	}
	if err := store.UpsertProfile(ctx, "u1", "me@example.com"); err != nil {
		t.Fatalf("UpsertProfile error: %v", err)
	}
	email, err = store.GetDefaultEmail(ctx, "u1")
	if err != nil || email != "me@example.com" {
		t.Fatalf("expected profile email, got %q, %v", email, err)
	}
}
