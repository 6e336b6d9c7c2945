package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestNext_Daily(t *testing.T) {
	after := time.Date(2026, 2, 7, 10, 0, 0, 0, time.UTC)
	next, err := Next(Spec{Frequency: FrequencyDaily, Interval: 3}, after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC), next)
}

func TestNext_WeeklySameWeekday(t *testing.T) {
	// Monday 2026-02-09 09:00, every week on Monday.
	after := time.Date(2026, 2, 9, 9, 0, 0, 0, time.UTC)
	next, err := Next(Spec{Frequency: FrequencyWeekly, Interval: 1, DayOfWeek: intPtr(1)}, after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 16, 9, 0, 0, 0, time.UTC), next)
	require.Equal(t, time.Monday, next.Weekday())
}

func TestNext_WeeklyAlignsToConfiguredWeekday(t *testing.T) {
	// Base drifted to a Wednesday; configured weekday is Friday.
	after := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	next, err := Next(Spec{Frequency: FrequencyWeekly, Interval: 2, DayOfWeek: intPtr(5)}, after)
	require.NoError(t, err)
	require.Equal(t, time.Friday, next.Weekday())
	require.True(t, next.After(after.AddDate(0, 0, 13)))
}

func TestNext_MonthlyClampsToShortMonth(t *testing.T) {
	after := time.Date(2026, 1, 31, 8, 30, 0, 0, time.UTC)
	next, err := Next(Spec{Frequency: FrequencyMonthly, Interval: 1}, after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 28, 8, 30, 0, 0, time.UTC), next)
}

func TestNext_MonthlyDayOfMonthOverride(t *testing.T) {
	after := time.Date(2026, 3, 20, 7, 0, 0, 0, time.UTC)
	next, err := Next(Spec{Frequency: FrequencyMonthly, Interval: 1, DayOfMonth: intPtr(5)}, after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 4, 5, 7, 0, 0, 0, time.UTC), next)
}

func TestNext_CustomCronStrictlyAfter(t *testing.T) {
	// 09:00 every Monday; base is exactly Monday 09:00 so the next match is
	// a week out, never the same instant.
	after := time.Date(2026, 2, 9, 9, 0, 0, 0, time.UTC)
	next, err := Next(Spec{Frequency: FrequencyCustom, CronExpression: "0 9 * * 1"}, after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 16, 9, 0, 0, 0, time.UTC), next)
}

func TestNext_CustomCronInvalid(t *testing.T) {
	_, err := Next(Spec{Frequency: FrequencyCustom, CronExpression: "not a cron"}, time.Now())
	require.ErrorIs(t, err, ErrInvalidCron)
}

func TestNext_UnknownFrequency(t *testing.T) {
	_, err := Next(Spec{Frequency: "yearly"}, time.Now())
	require.ErrorIs(t, err, ErrUnknownFrequency)
}

func TestNext_AlwaysAdvances(t *testing.T) {
	after := time.Date(2026, 5, 31, 23, 59, 0, 0, time.UTC)
	specs := []Spec{
		{Frequency: FrequencyDaily, Interval: 1},
		{Frequency: FrequencyWeekly, Interval: 1, DayOfWeek: intPtr(0)},
		{Frequency: FrequencyMonthly, Interval: 1},
		{Frequency: FrequencyCustom, CronExpression: "*/5 * * * *"},
	}
	for _, spec := range specs {
		next, err := Next(spec, after)
		require.NoError(t, err)
		require.True(t, next.After(after), "frequency %s did not advance", spec.Frequency)
	}
}
