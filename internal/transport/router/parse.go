package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"remindbot/internal/task"
)

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// splitCommand splits "/cmd@bot rest of line" into ("cmd", "rest of line").
// ok is false for text that is not a command.
func splitCommand(text string) (word, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	word, rest, _ = strings.Cut(text[1:], " ")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return "", "", false
	}
	return word, strings.TrimSpace(rest), true
}

// splitPipe splits "head | tail" on the first pipe.
func splitPipe(s string) (head, tail string, ok bool) {
	head, tail, ok = strings.Cut(s, "|")
	return strings.TrimSpace(head), strings.TrimSpace(tail), ok
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	all "buy milk" 'x y'
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// everySpec is the parsed head of "/every <n> <unit> [from <when>]".
type everySpec struct {
	Unit  task.Unit
	Value int
	From  string
}

// parseEvery accepts "2 hours", "day", "3 days from tomorrow 9am".
func parseEvery(head string) (everySpec, error) {
	var spec everySpec
	cadence, from, _ := strings.Cut(" "+strings.TrimSpace(head)+" ", " from ")
	spec.From = strings.TrimSpace(from)

	fields := strings.Fields(cadence)
	switch len(fields) {
	case 1:
		spec.Value = 1
	case 2:
		n, err := strconv.Atoi(fields[0])
		if err != nil || n <= 0 {
			return spec, fmt.Errorf("%q is not a positive number", fields[0])
		}
		spec.Value = n
		fields = fields[1:]
	default:
		return spec, fmt.Errorf("expected <n> <unit>")
	}
	unit, ok := task.ParseUnit(fields[0])
	if !ok {
		return spec, fmt.Errorf("unknown unit %q (use minute, hour, day, week or month)", fields[0])
	}
	spec.Unit = unit
	return spec, nil
}
