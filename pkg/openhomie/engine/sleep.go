package engine

import (
	"time"

	"github.com/jholhewres/openhomie/pkg/openhomie/config"
)

// InSleepWindow reports whether the configured quiet hours are active at t.
// Windows may wrap around midnight (23:00-07:00).
func InSleepWindow(cfg config.SleepConfig, t time.Time) bool {
	if !cfg.Enabled {
		return false
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)
	cur := local.Hour()*60 + local.Minute()

	start, ok := parseClock(cfg.StartLocal)
	if !ok {
		return false
	}
	end, ok := parseClock(cfg.EndLocal)
	if !ok {
		return false
	}

	if start <= end {
		return cur >= start && cur < end
	}
	// Wrap-around: active from start until midnight and from midnight to end.
	return cur >= start || cur < end
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
