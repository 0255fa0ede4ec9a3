package resolver

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"applytrail/internal/model"
	"applytrail/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	index   map[string]string
	jobs    []model.Job
	lookups atomic.Int32
	finds   atomic.Int32
}

func newStubStore(jobs ...model.Job) *stubStore {
	return &stubStore{index: map[string]string{}, jobs: jobs}
}

func (s *stubStore) LookupJobFingerprint(_ context.Context, userID, fp string) (string, error) {
	s.lookups.Add(1)
	return s.index[userID+"|"+fp], nil
}

func (s *stubStore) IndexJobFingerprint(_ context.Context, userID, fp, jobID, _ string) (string, error) {
	key := userID + "|" + fp
	if existing, ok := s.index[key]; ok {
		return existing, nil
	}
	s.index[key] = jobID
	return jobID, nil
}

func (s *stubStore) FindJobs(_ context.Context, userID string, f storage.JobFilter) ([]model.Job, error) {
	s.finds.Add(1)
	var out []model.Job
	for _, j := range s.jobs {
		if j.UserID != userID || !strings.EqualFold(j.Title, f.Title) || !strings.EqualFold(j.Company, f.Company) {
			continue
		}
		if f.Location != "" && !strings.EqualFold(j.Location, f.Location) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func TestResolveNone(t *testing.T) {
	t.Parallel()

	r := New(newStubStore(), 0, nil)
	res, err := r.Resolve(context.Background(), Query{UserID: "u1", Fingerprint: "fp", Title: "SRE", Company: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, ViaNone, res.Via)
	assert.Empty(t, res.JobID)
}

func TestResolveLooseMatchBackfillsIndex(t *testing.T) {
	t.Parallel()

	store := newStubStore(model.Job{ID: "job-1", UserID: "u1", Title: "Backend Engineer", Company: "Acme"})
	r := New(store, 0, nil)
	q := Query{UserID: "u1", Fingerprint: "fp", Title: "backend engineer", Company: "ACME"}

	res, err := r.Resolve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, Result{JobID: "job-1", Via: ViaLooseJobMatch}, res)
	assert.Equal(t, "job-1", store.index["u1|fp"])

	res, err = r.Resolve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, Result{JobID: "job-1", Via: ViaFingerprintMap}, res)
	assert.Equal(t, int32(1), store.finds.Load(), "second resolve must short-circuit on the index")
}

func TestResolveLooseMatchIsExactNotFuzzy(t *testing.T) {
	t.Parallel()

	store := newStubStore(model.Job{ID: "job-1", UserID: "u1", Title: "Engineer", Company: "Acme"})
	r := New(store, 0, nil)

	res, err := r.Resolve(context.Background(), Query{UserID: "u1", Fingerprint: "fp2", Title: "Engineer II", Company: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, ViaNone, res.Via)
}

func TestResolveCachesPositiveHits(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.index["u1|fp"] = "job-9"
	r := New(store, time.Minute, nil)

	for i := 0; i < 3; i++ {
		res, err := r.Resolve(context.Background(), Query{UserID: "u1", Fingerprint: "fp"})
		require.NoError(t, err)
		assert.Equal(t, "job-9", res.JobID)
	}
	assert.Equal(t, int32(1), store.lookups.Load())
}

func TestRememberReturnsWinner(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.index["u1|fp"] = "job-first"
	r := New(store, time.Minute, nil)

	winner, err := r.Remember(context.Background(), "u1", "fp", "job-second")
	require.NoError(t, err)
	assert.Equal(t, "job-first", winner)
}
