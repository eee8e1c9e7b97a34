package timeparse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// Completer is the slice of a language model client the fallback needs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const fallbackSystemPrompt = `You convert natural-language time expressions into absolute timestamps.
The current time is %s (%s, %s).
Reply with JSON only, in this shape:
{"parsed_time": "YYYY-MM-DDTHH:MM:SS", "confidence": 0.0, "reasoning": "short explanation"}
Use local time in the same zone. Set parsed_time to null if the expression is not a time.`

var (
	fencedJSONRE = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	looseTimeRE  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2})?`)

	answerLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
	}
)

type fallbackAnswer struct {
	ParsedTime *string         `json:"parsed_time"`
	Confidence json.RawMessage `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
}

func buildPrompt(expr string, now time.Time, hint string) (string, string) {
	system := fmt.Sprintf(fallbackSystemPrompt, now.Format("2006-01-02 15:04:05"), now.Weekday(), now.Location())
	var b strings.Builder
	b.WriteString("Time expression: ")
	b.WriteString(expr)
	if hint = strings.TrimSpace(hint); hint != "" {
		b.WriteString("\nConversation context: ")
		b.WriteString(hint)
	}
	return system, b.String()
}

// parseAnswer reads the model reply. It returns the instant and the
// confidence the model reported. A reply that is not valid JSON even after
// repair still resolves if it contains an ISO-like timestamp; that case
// reports minConf.
func parseAnswer(answer string, loc *time.Location, minConf float64) (time.Time, float64, error) {
	candidate := extractJSON(answer)
	var a fallbackAnswer
	err := json.Unmarshal([]byte(candidate), &a)
	if err != nil && strings.HasPrefix(candidate, "{") {
		if repaired, rerr := jsonrepair.JSONRepair(candidate); rerr == nil {
			err = json.Unmarshal([]byte(repaired), &a)
		}
	}
	if err != nil {
		if m := looseTimeRE.FindString(answer); m != "" {
			if t, ok := parseAnswerTime(m, loc); ok {
				return t, minConf, nil
			}
		}
		return time.Time{}, 0, fmt.Errorf("%w: unreadable fallback answer", ErrNotResolved)
	}

	if a.ParsedTime == nil || strings.TrimSpace(*a.ParsedTime) == "" {
		return time.Time{}, 0, fmt.Errorf("%w: fallback returned no time", ErrNotResolved)
	}
	conf := parseConfidence(a.Confidence)
	t, ok := parseAnswerTime(strings.TrimSpace(*a.ParsedTime), loc)
	if !ok {
		return time.Time{}, conf, fmt.Errorf("%w: bad parsed_time %q", ErrNotResolved, *a.ParsedTime)
	}
	return t, conf, nil
}

func extractJSON(s string) string {
	if m := fencedJSONRE.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return strings.TrimSpace(s)
}

// parseConfidence accepts a number or a numeric string.
func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return 0
}

func parseAnswerTime(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range answerLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (r *Resolver) fallback(ctx context.Context, expr string, now time.Time, hint string) (Resolution, error) {
	key := expr + "\x00" + hint + "\x00" + now.Truncate(time.Minute).Format(time.RFC3339)
	v, err, shared := r.group.Do(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, r.opts.FallbackTimeout)
		defer cancel()

		system, user := buildPrompt(expr, now, hint)
		answer, err := r.opts.Fallback.Complete(cctx, system, user)
		if err != nil {
			return Resolution{}, err
		}
		t, conf, err := parseAnswer(answer, now.Location(), r.opts.MinConfidence)
		if err != nil {
			return Resolution{}, err
		}
		if conf < r.opts.MinConfidence {
			return Resolution{}, fmt.Errorf("%w: low confidence %.2f", ErrNotResolved, conf)
		}
		return Resolution{At: t, Source: SourceFallback, Rule: "llm", Confidence: conf}, nil
	})
	if shared {
		r.log.Debug("time fallback coalesced")
	}
	if err != nil {
		if !errors.Is(err, ErrNotResolved) {
			err = fmt.Errorf("%w: %v", ErrNotResolved, err)
		}
		return Resolution{}, err
	}
	return v.(Resolution), nil
}
