package jobs

import (
	"fmt"
	"time"

	"tradegate/internal/config"
)

// Calendar answers whether the market is in its regular session at a given
// instant. Weekends are always closed; holidays are not modelled.
type Calendar struct {
	location  *time.Location
	openMins  int
	closeMins int
}

// NewCalendar parses the configured session bounds.
func NewCalendar(cfg config.MarketConfig) (*Calendar, error) {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market timezone: %w", err)
	}
	open, err := parseWallClock(cfg.OpenTime)
	if err != nil {
		return nil, fmt.Errorf("market open_time: %w", err)
	}
	closeAt, err := parseWallClock(cfg.CloseTime)
	if err != nil {
		return nil, fmt.Errorf("market close_time: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("market close_time %q must be after open_time %q", cfg.CloseTime, cfg.OpenTime)
	}
	return &Calendar{location: location, openMins: open, closeMins: closeAt}, nil
}

func parseWallClock(value string) (int, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// IsOpen reports whether t falls inside the regular session, open
// inclusive, close exclusive.
func (c *Calendar) IsOpen(t time.Time) bool {
	local := t.In(c.location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= c.openMins && minutes < c.closeMins
}
