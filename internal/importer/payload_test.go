package importer

import (
	"testing"
	"time"

	"applytrail/internal/apperr"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestNormalizeAliases(t *testing.T) {
	t.Parallel()

	p, err := Normalize(map[string]any{
		"title":        "Backend Engineer",
		"companyName":  "Acme",
		"jobLocation":  "Remote",
		"source":       "LinkedIn",
		"applied_at":   "2024-01-10",
		"external_id":  "msg-1",
		"url":          "https://jobs.example.com/1",
		"unrelated":    42.0,
		"source_type":  "Browser",
		"message_id":   "<m@x>",
		"provider_id":  "ignored-after-external_id",
		"job_title":    "ignored-after-title",
		"company_name": "ignored-after-companyName",
	}, testNow)
	require.NoError(t, err)

	assert.Equal(t, "Backend Engineer", p.Title)
	assert.Equal(t, "Acme", p.Company)
	assert.Equal(t, "Remote", p.Location)
	assert.Equal(t, "linkedin", p.Platform)
	assert.Equal(t, "browser", p.SourceType)
	assert.Equal(t, "msg-1", p.ExternalID)
	assert.Equal(t, "<m@x>", p.MessageID)
	assert.Equal(t, "https://jobs.example.com/1", p.JobURL)
	assert.Equal(t, "job_board", p.ApplicationMethod)
	assert.True(t, p.AppliedAt.Equal(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, p.Email)
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	p, err := Normalize(map[string]any{"jobTitle": "SRE", "company": "Acme"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, PlatformManual, p.Platform)
	assert.Equal(t, SourceTypeManual, p.SourceType)
	assert.Empty(t, p.ApplicationMethod)
	assert.True(t, p.AppliedAt.Equal(testNow))
}

func TestNormalizeDateFormats(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC)
	for _, v := range []any{
		"2024-01-10T09:30:00Z",
		"2024-01-10T11:30:00+02:00",
		"2024-01-10 09:30:00",
		"Wed, 10 Jan 2024 09:30:00 +0000",
		want,
		float64(want.Unix()),
	} {
		p, err := Normalize(map[string]any{"jobTitle": "SRE", "company": "Acme", "appliedAt": v}, testNow)
		require.NoError(t, err, "%v", v)
		assert.True(t, p.AppliedAt.Equal(want), "%v parsed as %s", v, p.AppliedAt)
		assert.Equal(t, time.UTC, p.AppliedAt.Location())
	}
}

func TestNormalizeValidation(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]any{
		"nil":          nil,
		"no company":   {"jobTitle": "SRE"},
		"no title":     {"company": "Acme"},
		"blank fields": {"jobTitle": "  ", "company": ""},
		"bad date":     {"jobTitle": "SRE", "company": "Acme", "appliedAt": "last tuesday"},
		"bad type":     {"jobTitle": "SRE", "company": "Acme", "appliedAt": []string{"x"}},
	}
	for name, raw := range cases {
		_, err := Normalize(raw, testNow)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, apperr.ErrValidation), name)
	}
}

func TestNormalizeEmailFields(t *testing.T) {
	t.Parallel()

	p, err := Normalize(map[string]any{
		"email": map[string]any{
			"subject":    "Your application to Platform Engineer at Globex",
			"from":       "LinkedIn <jobs-noreply@linkedin.com>",
			"receivedAt": "2024-02-01T10:00:00Z",
		},
		"messageId": "<m1@mail>",
	}, testNow)
	require.NoError(t, err)

	require.NotNil(t, p.Email)
	assert.Equal(t, "Platform Engineer", p.Title)
	assert.Equal(t, "Globex", p.Company)
	assert.Equal(t, "linkedin", p.Platform)
	assert.Equal(t, SourceTypeEmail, p.SourceType)
	assert.True(t, p.AppliedAt.Equal(time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)), "applied date falls back to the email date")
}

func TestNormalizeStructuredFieldsWinOverExtraction(t *testing.T) {
	t.Parallel()

	p, err := Normalize(map[string]any{
		"jobTitle": "Staff Engineer",
		"company":  "Hooli",
		"subject":  "Your application to Intern at Initech",
		"from":     "careers@unknown.example",
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, "Staff Engineer", p.Title)
	assert.Equal(t, "Hooli", p.Company)
	assert.Equal(t, PlatformEmail, p.Platform)
	assert.Equal(t, "email", p.ApplicationMethod)
}
