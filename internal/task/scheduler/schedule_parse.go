package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind is the normalized form of a maintenance schedule string.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// ParsedSchedule is a maintenance schedule string after parsing.
//
// Supported forms:
//   - Cron: "0 3 * * *", "0 0 3 * * *" (seconds), "@daily", "@every 6h"
//   - Interval duration: "6h", "90m"
//   - Interval HH:MM: "06:00" (six hours), "00:30" (thirty minutes)
//
// "cron:" forces cron parsing; "every:" forces interval parsing.
type ParsedSchedule struct {
	Kind  ScheduleKind
	Cron  string
	Every time.Duration
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether raw parses as a retention schedule,
// including the cron expression itself.
func ValidateSchedule(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	_, err = ps.Schedule(cronParser)
	return err
}

func ParseSchedule(raw string) (ParsedSchedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSchedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSchedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSchedule{Kind: ScheduleCron, Cron: expr}, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return ParsedSchedule{}, err
		}
		return ParsedSchedule{Kind: ScheduleInterval, Every: d}, nil
	}

	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return ParsedSchedule{Kind: ScheduleCron, Cron: s}, nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return ParsedSchedule{}, fmt.Errorf(
			"invalid schedule %q (use cron like '0 3 * * *', HH:MM like '06:00', or duration like '6h')", raw)
	}
	return ParsedSchedule{Kind: ScheduleInterval, Every: d}, nil
}

// Schedule turns the parsed form into something cron can run.
func (p ParsedSchedule) Schedule(parser cron.Parser) (cron.Schedule, error) {
	if p.Kind == ScheduleInterval {
		return cron.Every(p.Every), nil
	}
	sched, err := parser.Parse(p.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", p.Cron, err)
	}
	return sched, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '6h')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
