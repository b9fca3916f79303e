package digest

import (
	"time"
)

// Window — границы одного локального дня пользователя в UTC-инстантах
// и его календарная дата.
type Window struct {
	Start time.Time
	End   time.Time
	// Date — дата дня в формате yyyy-mm-dd.
	Date string
}

const dateLayout = "2006-01-02"

// loadLocation возвращает зону пользователя, при ошибке — UTC.
func loadLocation(tz string) (*time.Location, bool) {
	if tz == "" {
		return time.UTC, true
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}

// windowForYesterday возвращает полный вчерашний локальный день:
// [вчерашняя полночь, сегодняшняя полночь).
func windowForYesterday(now time.Time, loc *time.Location) Window {
	local := now.In(loc)
	todayMidnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	start := todayMidnight.AddDate(0, 0, -1)
	return Window{Start: start, End: todayMidnight, Date: start.Format(dateLayout)}
}

// windowForDate возвращает границы конкретного локального дня.
func windowForDate(date string, loc *time.Location) (Window, error) {
	day, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: day, End: day.AddDate(0, 0, 1), Date: date}, nil
}
