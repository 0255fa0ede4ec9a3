package reminder

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"applytrail/internal/model"
	"applytrail/internal/notifier"
	"applytrail/internal/storage"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "reminders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *storage.Store, now time.Time, jobID string, offsets ...time.Duration) *model.Schedule {
	t.Helper()
	deadline := now.Add(30 * time.Minute)
	sched := &model.Schedule{
		UserID:            "u1",
		JobID:             jobID,
		ScheduledAt:       now,
		DeadlineAt:        &deadline,
		NotificationEmail: "me@example.com",
		Status:            model.ScheduleStatusScheduled,
	}
	for _, off := range offsets {
		sched.Reminders = append(sched.Reminders, model.ScheduleReminder{Kind: "k", RemindAt: now.Add(off)})
	}
	require.NoError(t, store.CreateSchedule(context.Background(), sched))
	return sched
}

func TestProcessDueRemindersSendsOnce(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	now := time.Now().UTC()
	seed(t, store, now, "job-1", -2*time.Hour, -time.Hour, time.Hour)
	seed(t, store, now, "job-2", -time.Minute)

	sender := &stubSender{}
	d := New(store, sender, WithClock(func() time.Time { return now }))

	report, err := d.ProcessDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Schedules: 2, Sent: 3}, report)
	assert.Equal(t, 3, sender.count())

	report, err = d.ProcessDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Equal(t, 3, sender.count(), "second run must not resend")
}

func TestProcessDueRemindersRetriesFailures(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	now := time.Now().UTC()
	seed(t, store, now, "job-1", -time.Hour)

	sender := &stubSender{err: errors.New("smtp down")}
	d := New(store, sender, WithClock(func() time.Time { return now }))

	report, err := d.ProcessDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Sent)

	sender.setErr(nil)
	report, err = d.ProcessDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent, "failed reminder stays unsent and is retried")
}

func TestProcessDueRemindersSkipsFinishedSchedules(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	now := time.Now().UTC()
	sched := seed(t, store, now, "job-1", -time.Hour)

	ok, err := store.TransitionSchedule(context.Background(), sched.ID, storage.Transition{
		From: model.ScheduleStatusScheduled,
		To:   model.ScheduleStatusCancelled,
	})
	require.NoError(t, err)
	require.True(t, ok)

	sender := &stubSender{}
	report, err := New(store, sender, WithClock(func() time.Time { return now })).ProcessDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
}

func TestProcessDueRemindersRespectsBatchSize(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		seed(t, store, now, id, -time.Hour)
	}

	sender := &stubSender{}
	d := New(store, sender, WithBatchSize(2), WithClock(func() time.Time { return now }))

	report, err := d.ProcessDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Schedules)

	report, err = d.ProcessDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Schedules)
}

// --- stubs ---

type stubSender struct {
	mu   sync.Mutex
	sent []notifier.Message
	err  error
}

func (s *stubSender) Send(_ context.Context, msg notifier.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
