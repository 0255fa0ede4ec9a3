package schedule

import (
	"testing"
	"time"

	"applytrail/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	t.Parallel()

	all := []model.ScheduleStatus{
		model.ScheduleStatusScheduled, model.ScheduleStatusSubmitted,
		model.ScheduleStatusCancelled, model.ScheduleStatusExpired,
	}
	for _, from := range all {
		for _, to := range all {
			allowed := IsTransitionAllowed(from, to)
			if from.Terminal() {
				assert.False(t, allowed, "%s -> %s", from, to)
			} else {
				assert.True(t, allowed, "%s -> %s", from, to)
			}
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	st, err := ParseStatus("expired")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusExpired, st)

	_, err = ParseStatus("EXPIRED")
	require.Error(t, err)
}

func TestDefaultReminders(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Nil(t, DefaultReminders(nil, now))

	far := now.Add(72 * time.Hour)
	got := DefaultReminders(&far, now)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1440, 180, 60}, []int{got[0].OffsetMinutes, got[1].OffsetMinutes, got[2].OffsetMinutes})
	assert.True(t, got[2].RemindAt.Equal(far.Add(-time.Hour)))

	soon := now.Add(2 * time.Hour)
	got = DefaultReminders(&soon, now)
	require.Len(t, got, 1)
	assert.Equal(t, "deadline_1h", got[0].Kind)

	exact := now.Add(time.Hour)
	assert.Empty(t, DefaultReminders(&exact, now), "a reminder due exactly now has already passed")
}
