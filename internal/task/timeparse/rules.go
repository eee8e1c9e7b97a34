package timeparse

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// rule is one entry of the deterministic table. Rules are tried in order and
// the first one whose build succeeds wins.
type rule struct {
	name string
	// anchored rules name a relative day word such as today or tonight, so
	// their result is never rolled forward when it lies in the past.
	anchored bool
	build    func(s string, now time.Time) (time.Time, bool)
}

var rules = []rule{
	{name: "absolute", build: buildAbsolute},
	{name: "dayword", anchored: true, build: buildDayword},
	{name: "offset", build: buildOffset},
	{name: "clock", build: buildClock},
}

// ---- normalization ----

var spaceRE = regexp.MustCompile(`\s+`)

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("：", ":", "，", " ", ",", " ", "。", " ").Replace(s)
	return spaceRE.ReplaceAllString(s, " ")
}

// ---- absolute date + time ----

var (
	isoLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
	}
	absoluteRE = regexp.MustCompile(`\b(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})(?:t|\s+|\s*at\s+)(\d{1,2}):(\d{2})(?::(\d{2}))?\s*(a\.?m\.?|p\.?m\.?)?`)
	absoluteCN = regexp.MustCompile(`(\d{4})年(\d{1,2})月(\d{1,2})[日号]?\s*(上午|早上|中午|下午|晚上)?\s*(\d{1,2})[点:](\d{1,2}|半)?`)
)

func buildAbsolute(s string, now time.Time) (time.Time, bool) {
	loc := now.Location()
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, strings.ToUpper(s), loc); err == nil {
			return t, true
		}
	}
	if m := absoluteRE.FindStringSubmatch(s); m != nil {
		h, ok := applyMeridiem(atoi(m[4]), meridiem(m[7]), "", false)
		if !ok {
			return time.Time{}, false
		}
		return date(atoi(m[1]), atoi(m[2]), atoi(m[3]), h, atoi(m[5]), atoi(m[6]), loc)
	}
	if m := absoluteCN.FindStringSubmatch(s); m != nil {
		h, ok := applyMeridiem(atoi(m[5]), "", m[4], false)
		if !ok {
			return time.Time{}, false
		}
		return date(atoi(m[1]), atoi(m[2]), atoi(m[3]), h, minuteCN(m[6]), 0, loc)
	}
	return time.Time{}, false
}

// ---- relative day keyword + time of day ----

var (
	daywordRE = regexp.MustCompile(`\b(day after tomorrow|tomorrow|today|tonight)\b`)
	daywordCN = regexp.MustCompile(`(今天|今晚|明天|后天)\s*(上午|早上|中午|下午|晚上)?\s*(\d{1,2})[点:](\d{1,2}|半)?`)
)

var dayOffset = map[string]int{
	"today":              0,
	"tonight":            0,
	"tomorrow":           1,
	"day after tomorrow": 2,
	"今天":                 0,
	"今晚":                 0,
	"明天":                 1,
	"后天":                 2,
}

// Default hour for "tomorrow morning" style expressions with no number.
var qualifierDefaultHour = map[string]int{
	"morning":   9,
	"noon":      12,
	"afternoon": 15,
	"evening":   19,
	"night":     21,
	"tonight":   21,
}

func buildDayword(s string, now time.Time) (time.Time, bool) {
	loc := now.Location()
	if m := daywordCN.FindStringSubmatch(s); m != nil {
		qual := m[2]
		if m[1] == "今晚" && qual == "" {
			qual = "晚上"
		}
		h, ok := applyMeridiem(atoi(m[3]), "", qual, true)
		if !ok {
			return time.Time{}, false
		}
		d := now.AddDate(0, 0, dayOffset[m[1]])
		return date(d.Year(), int(d.Month()), d.Day(), h, minuteCN(m[4]), 0, loc)
	}

	m := daywordRE.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	word := m[1]
	qual := findQualifier(s)
	if word == "tonight" && qual == "" {
		qual = "tonight"
	}

	var h, mi int
	if c, ok := findClock(s); ok {
		hh, ok := applyMeridiem(c.hour, c.meridiem, qual, true)
		if !ok {
			return time.Time{}, false
		}
		h, mi = hh, c.minute
	} else if def, ok := qualifierDefaultHour[qual]; ok {
		h = def
	} else {
		// A bare day word is not a time.
		return time.Time{}, false
	}
	d := now.AddDate(0, 0, dayOffset[word])
	return date(d.Year(), int(d.Month()), d.Day(), h, mi, 0, loc)
}

// ---- numeric offsets ----

const (
	numPattern  = `(\d+|an?|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|sixteen|seventeen|eighteen|nineteen|twenty|thirty|forty[- ]five|forty|fifty|sixty|ninety|half an?|a couple of|a few)`
	unitPattern = `(seconds?|secs?|minutes?|mins?|hours?|hrs?|h|days?|weeks?)`
)

var (
	offsetInRE    = regexp.MustCompile(`\bin\s+` + numPattern + `\s*` + unitPattern + `\b`)
	offsetAfterRE = regexp.MustCompile(`\b` + numPattern + `\s*` + unitPattern + `\s+(?:from now|later|after|hence)\b`)
	offsetCN      = regexp.MustCompile(`(\d+|半)\s*(秒|分钟|个小时|小时|天|周|星期)(?:以)?后`)
)

var numberWords = map[string]float64{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11,
	"twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15, "sixteen": 16,
	"seventeen": 17, "eighteen": 18, "nineteen": 19, "twenty": 20, "thirty": 30,
	"forty": 40, "forty-five": 45, "forty five": 45, "fifty": 50, "sixty": 60,
	"ninety": 90, "half a": 0.5, "half an": 0.5, "a couple of": 2, "a few": 3,
}

func parseNumber(s string) (float64, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return float64(n), n > 0
	}
	v, ok := numberWords[s]
	return v, ok
}

func unitDuration(u string) time.Duration {
	switch {
	case strings.HasPrefix(u, "s"), u == "秒":
		return time.Second
	case strings.HasPrefix(u, "m"), u == "分钟":
		return time.Minute
	case strings.HasPrefix(u, "h"), u == "小时", u == "个小时":
		return time.Hour
	case strings.HasPrefix(u, "d"), u == "天":
		return 24 * time.Hour
	case strings.HasPrefix(u, "w"), u == "周", u == "星期":
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

func buildOffset(s string, now time.Time) (time.Time, bool) {
	var num, unit string
	if m := offsetInRE.FindStringSubmatch(s); m != nil {
		num, unit = m[1], m[2]
	} else if m := offsetAfterRE.FindStringSubmatch(s); m != nil {
		num, unit = m[1], m[2]
	} else if m := offsetCN.FindStringSubmatch(s); m != nil {
		num, unit = m[1], m[2]
		if num == "半" {
			num = "half a"
		}
	} else {
		return time.Time{}, false
	}
	n, ok := parseNumber(num)
	if !ok {
		return time.Time{}, false
	}
	d := unitDuration(unit)
	if d == 0 {
		return time.Time{}, false
	}
	off := n * float64(d)
	if off >= math.MaxInt64 {
		return time.Time{}, false
	}
	at := now.Add(time.Duration(off))
	if at.Before(now) {
		return time.Time{}, false
	}
	return at, true
}

// ---- bare time of day ----

var clockCN = regexp.MustCompile(`(上午|早上|中午|下午|晚上)?\s*(\d{1,2})点(\d{1,2}分?|半)?`)

func buildClock(s string, now time.Time) (time.Time, bool) {
	loc := now.Location()
	y, mo, d := now.Date()

	if m := clockCN.FindStringSubmatch(s); m != nil {
		h, ok := applyMeridiem(atoi(m[2]), "", m[1], true)
		if !ok {
			return time.Time{}, false
		}
		return date(y, int(mo), d, h, minuteCN(m[3]), 0, loc)
	}

	qual := findQualifier(s)
	if c, ok := findClock(s); ok {
		h, ok := applyMeridiem(c.hour, c.meridiem, qual, true)
		if !ok {
			return time.Time{}, false
		}
		return date(y, int(mo), d, h, c.minute, 0, loc)
	}
	switch {
	case noonRE.MatchString(s):
		return date(y, int(mo), d, 12, 0, 0, loc)
	case midnightRE.MatchString(s):
		return date(y, int(mo), d, 0, 0, 0, loc)
	}
	return time.Time{}, false
}

// ---- time-of-day helpers ----

var (
	meridiemClockRE = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(a\.?m\.?|p\.?m\.?)`)
	colonClockRE    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	atClockRE       = regexp.MustCompile(`\bat\s+(\d{1,2})\b`)
	oclockRE        = regexp.MustCompile(`\b(\d{1,2})\s*o'?clock\b`)
	qualifierNumRE  = regexp.MustCompile(`\b(\d{1,2})\s+(?:in the|this)\s+(?:morning|afternoon|evening|night)\b`)
	qualifierRE     = regexp.MustCompile(`\b(morning|noon|afternoon|evening|night|tonight)\b`)
	noonRE          = regexp.MustCompile(`\b(?:at\s+)?noon\b`)
	midnightRE      = regexp.MustCompile(`\b(?:at\s+)?midnight\b`)
)

type clock struct {
	hour, minute int
	meridiem     string
}

// findClock looks for a time of day, most explicit form first.
func findClock(s string) (clock, bool) {
	if m := meridiemClockRE.FindStringSubmatch(s); m != nil {
		return clock{hour: atoi(m[1]), minute: atoi(m[2]), meridiem: meridiem(m[3])}, true
	}
	if m := colonClockRE.FindStringSubmatch(s); m != nil {
		return clock{hour: atoi(m[1]), minute: atoi(m[2])}, true
	}
	for _, re := range []*regexp.Regexp{atClockRE, oclockRE, qualifierNumRE} {
		if m := re.FindStringSubmatch(s); m != nil {
			return clock{hour: atoi(m[1])}, true
		}
	}
	return clock{}, false
}

func findQualifier(s string) string {
	if m := qualifierRE.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

func meridiem(s string) string {
	s = strings.ReplaceAll(s, ".", "")
	switch s {
	case "am", "pm":
		return s
	default:
		return ""
	}
}

// applyMeridiem maps a stated hour to 0..23 using an explicit am/pm marker
// first, then the qualifier table. With ambiguous set and no marker or
// qualifier, hours 1..7 read as afternoon ("at 3" means 15:00).
func applyMeridiem(h int, mer, qual string, ambiguous bool) (int, bool) {
	if h < 0 || h > 24 {
		return 0, false
	}
	if h == 24 {
		h = 0
	}
	switch mer {
	case "am":
		if h > 12 {
			return 0, false
		}
		if h == 12 {
			h = 0
		}
		return h, true
	case "pm":
		if h > 12 {
			return 0, false
		}
		if h < 12 {
			h += 12
		}
		return h, true
	}
	switch qual {
	case "afternoon", "evening", "night", "tonight", "下午", "晚上":
		if h < 12 {
			h += 12
		}
		return h, true
	case "morning", "上午", "早上":
		if h == 12 {
			h = 0
		}
		return h, true
	case "noon", "中午":
		if h < 6 {
			h += 12
		}
		if h == 0 {
			h = 12
		}
		return h, true
	}
	if ambiguous && h >= 1 && h <= 7 {
		h += 12
	}
	return h, true
}

func minuteCN(s string) int {
	if s == "半" {
		return 30
	}
	return atoi(strings.TrimSuffix(s, "分"))
}

func date(y, mo, d, h, mi, sec int, loc *time.Location) (time.Time, bool) {
	if mo < 1 || mo > 12 || d < 1 || d > 31 || h < 0 || h > 23 || mi < 0 || mi > 59 || sec < 0 || sec > 59 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(mo), d, h, mi, sec, 0, loc)
	// Reject normalized overflows such as Feb 30.
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
