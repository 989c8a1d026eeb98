package schedule

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
)

// Rule decides whether a definition is due inside the window that contains now.
type Rule interface {
	Due(last *time.Time, w Window) bool
}

// Window is the bucket of the day that contains a pass's "now".
type Window struct {
	Now   time.Time // in the scheduling location
	Start time.Time
	End   time.Time // exclusive
}

// WindowAt returns the bucket containing now. minutes must divide 60.
func WindowAt(now time.Time, loc *time.Location, minutes int) Window {
	if loc == nil {
		loc = time.UTC
	}
	if minutes <= 0 || 60%minutes != 0 {
		minutes = 15
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(),
		local.Minute()-local.Minute()%minutes, 0, 0, loc)
	return Window{Now: local, Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}
}

// contains reports whether hh:mm today falls inside the window.
func (w Window) contains(c clock) bool {
	at := time.Date(w.Start.Year(), w.Start.Month(), w.Start.Day(), c.hour, c.minute, 0, 0, w.Start.Location())
	return !at.Before(w.Start) && at.Before(w.End)
}

// notYetTriggered guards bucketed rules: at most one trigger per window.
func (w Window) notYetTriggered(last *time.Time) bool {
	return last == nil || last.Before(w.Start)
}

type onceRule struct{}

func (onceRule) Due(last *time.Time, _ Window) bool { return last == nil }

type intervalRule struct {
	every time.Duration
}

func (r intervalRule) Due(last *time.Time, w Window) bool {
	return last == nil || !w.Now.Before(last.Add(r.every))
}

type hourlyRule struct {
	minutes []int
}

func (r hourlyRule) Due(last *time.Time, w Window) bool {
	if !w.notYetTriggered(last) {
		return false
	}
	for _, m := range r.minutes {
		if w.contains(clock{hour: w.Start.Hour(), minute: m}) {
			return true
		}
	}
	return false
}

type dailyRule struct {
	times []clock
}

func (r dailyRule) Due(last *time.Time, w Window) bool {
	if !w.notYetTriggered(last) {
		return false
	}
	for _, c := range r.times {
		if w.contains(c) {
			return true
		}
	}
	return false
}

type weeklyRule struct {
	days map[time.Weekday]bool
	at   clock
}

func (r weeklyRule) Due(last *time.Time, w Window) bool {
	return r.days[w.Start.Weekday()] && w.contains(r.at) && w.notYetTriggered(last)
}

type monthlyRule struct {
	day int
	at  clock
}

// Due fires on r.day, or on the month's last day when the month is shorter.
func (r monthlyRule) Due(last *time.Time, w Window) bool {
	day := r.day
	if lastDay := daysIn(w.Start.Month(), w.Start.Year()); day > lastDay {
		day = lastDay
	}
	return w.Start.Day() == day && w.contains(r.at) && w.notYetTriggered(last)
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

type clock struct {
	hour, minute int
}

func parseClock(s string) (clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return clock{}, errors.Newf("time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return clock{}, errors.Newf("time %q: hour must be 0-23", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return clock{}, errors.Newf("time %q: minute must be 0-59", s)
	}
	return clock{hour: h, minute: m}, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// scheduleConfig is the union of every rule's JSON shape.
type scheduleConfig struct {
	Minutes json.RawMessage `json:"minutes"` // interval: N; hourly: m or [m, ...]
	Minute  *int            `json:"minute"`
	Times   []string        `json:"times"`
	Days    []string        `json:"days"`
	Time    string          `json:"time"`
	Day     *int            `json:"day"`
}

// ParseRule validates schedule_config for frequency and builds its rule.
func ParseRule(frequency Frequency, raw json.RawMessage) (Rule, error) {
	var cfg scheduleConfig
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrap(err, "schedule_config must be a JSON object")
		}
	}

	switch frequency {
	case FrequencyOnce:
		return onceRule{}, nil

	case FrequencyInterval:
		var n int
		if err := json.Unmarshal(cfg.Minutes, &n); err != nil || n <= 0 {
			return nil, errors.New(`interval needs {"minutes": N} with N > 0`)
		}
		return intervalRule{every: time.Duration(n) * time.Minute}, nil

	case FrequencyHourly:
		var minutes []int
		if cfg.Minute != nil {
			minutes = append(minutes, *cfg.Minute)
		}
		if len(cfg.Minutes) > 0 {
			var list []int
			if err := json.Unmarshal(cfg.Minutes, &list); err != nil {
				var single int
				if json.Unmarshal(cfg.Minutes, &single) != nil {
					return nil, errors.New(`hourly "minutes" must be a minute or a list of minutes`)
				}
				list = []int{single}
			}
			minutes = append(minutes, list...)
		}
		if len(minutes) == 0 {
			return nil, errors.New(`hourly needs {"minute": m} or {"minutes": [m, ...]}`)
		}
		for _, m := range minutes {
			if m < 0 || m > 59 {
				return nil, errors.Newf("hourly minute %d must be 0-59", m)
			}
		}
		return hourlyRule{minutes: minutes}, nil

	case FrequencyDaily:
		if len(cfg.Times) == 0 {
			return nil, errors.New(`daily needs {"times": ["HH:MM", ...]}`)
		}
		rule := dailyRule{}
		for _, s := range cfg.Times {
			c, err := parseClock(s)
			if err != nil {
				return nil, err
			}
			rule.times = append(rule.times, c)
		}
		return rule, nil

	case FrequencyWeekly:
		if len(cfg.Days) == 0 {
			return nil, errors.New(`weekly needs {"days": [...], "time": "HH:MM"}`)
		}
		at, err := parseClock(cfg.Time)
		if err != nil {
			return nil, err
		}
		rule := weeklyRule{days: make(map[time.Weekday]bool), at: at}
		for _, d := range cfg.Days {
			wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
			if !ok {
				return nil, errors.Newf("unknown weekday %q", d)
			}
			rule.days[wd] = true
		}
		return rule, nil

	case FrequencyMonthly:
		if cfg.Day == nil || *cfg.Day < 1 || *cfg.Day > 31 {
			return nil, errors.New(`monthly needs {"day": 1-31, "time": "HH:MM"}`)
		}
		at, err := parseClock(cfg.Time)
		if err != nil {
			return nil, err
		}
		return monthlyRule{day: *cfg.Day, at: at}, nil
	}

	return nil, errors.Newf("unknown frequency %q", frequency)
}
