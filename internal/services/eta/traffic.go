package eta

import "time"

// Traffic multipliers scale leg durations up during known congestion windows.
// Urban traffic here is bimodal on weekdays (commute peaks) and midday-heavy
// on weekends (markets). Values are config-injectable; 1.0 means free flow.
const (
	defaultWeekdayPeakMultiplier = 1.4
	defaultWeekendPeakMultiplier = 1.25
)

func trafficMultiplier(t time.Time, weekdayPeak, weekendPeak float64) float64 {
	if weekdayPeak <= 0 {
		weekdayPeak = defaultWeekdayPeakMultiplier
	}
	if weekendPeak <= 0 {
		weekendPeak = defaultWeekendPeakMultiplier
	}

	h := t.Hour()
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		if h >= 11 && h < 14 {
			return weekendPeak
		}
	default:
		if (h >= 7 && h < 9) || (h >= 16 && h < 19) {
			return weekdayPeak
		}
	}
	return 1.0
}
