package event

import "time"

// Game reset cadence, all in UTC. The fashion report judging window is
// anchored to its first known occurrence and advances in whole periods.
const (
	dailyResetHour   = 15
	weeklyResetHour  = 8
	jumboCactpotHour = 19
)

var (
	weeklyResetDay  = time.Tuesday
	jumboCactpotDay = time.Saturday

	fashionReportAnchor = time.Date(2018, time.January, 26, 8, 0, 0, 0, time.UTC)
	fashionReportPeriod = 7 * 24 * time.Hour
)

// Next computes the next occurrence of a recurring kind strictly after the
// reference instant. It reports false for kinds that do not recur
// (user reminders and anything unknown).
//
// All arithmetic happens on absolute UTC instants; results never land on the
// reference itself, so re-arming at the exact boundary cannot fire the same
// logical occurrence twice.
func Next(k Kind, after time.Time) (time.Time, bool) {
	after = after.UTC()
	switch k {
	case DailyReset:
		return nextDaily(after, dailyResetHour), true
	case WeeklyReset:
		return nextWeekday(after, weeklyResetDay, weeklyResetHour), true
	case JumboCactpot:
		return nextWeekday(after, jumboCactpotDay, jumboCactpotHour), true
	case FashionReport:
		return nextAnchored(after, fashionReportAnchor, fashionReportPeriod), true
	case OceanFishing:
		// Voyages board every two hours, on even UTC hours.
		return nextHourParity(after, 0), true
	case OpenTournament:
		// Signups open every two hours, on odd UTC hours.
		return nextHourParity(after, 1), true
	default:
		return time.Time{}, false
	}
}

func nextDaily(after time.Time, hour int) time.Time {
	c := time.Date(after.Year(), after.Month(), after.Day(), hour, 0, 0, 0, time.UTC)
	if !c.After(after) {
		c = c.AddDate(0, 0, 1)
	}
	return c
}

func nextWeekday(after time.Time, day time.Weekday, hour int) time.Time {
	c := time.Date(after.Year(), after.Month(), after.Day(), hour, 0, 0, 0, time.UTC)
	for c.Weekday() != day || !c.After(after) {
		c = c.AddDate(0, 0, 1)
	}
	return c
}

func nextAnchored(after time.Time, anchor time.Time, period time.Duration) time.Time {
	if anchor.After(after) {
		return anchor
	}
	elapsed := after.Sub(anchor)
	n := elapsed/period + 1
	return anchor.Add(n * period)
}

func nextHourParity(after time.Time, parity int) time.Time {
	c := after.Truncate(time.Hour)
	for {
		c = c.Add(time.Hour)
		if c.Hour()%2 == parity && c.After(after) {
			return c
		}
	}
}
