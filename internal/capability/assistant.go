package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/llm"
)

// prompted is a capability answered by the text-completion service. The
// system prompt is the operator's base persona plus a task-specific brief.
type prompted struct {
	info   Info
	llm    llm.Completer
	base   string
	now    func() time.Time
	brief  func(p map[string]string) string
	ask    func(p map[string]string, now time.Time) string
	params func(p map[string]string) map[string]string
}

func (c *prompted) Describe() Info { return c.info }

func (c *prompted) Execute(ctx context.Context, params map[string]string, _ string) (string, error) {
	if c.params != nil {
		params = c.params(params)
	}
	if msg := missing(c.info, params); msg != "" {
		return msg, nil
	}
	system := c.brief(params)
	if b := strings.TrimSpace(c.base); b != "" {
		system = b + "\n\n" + system
	}
	out, err := c.llm.Complete(ctx, system, c.ask(params, c.now()))
	if err != nil {
		if errors.Is(err, llm.ErrDisabled) {
			return fmt.Sprintf("%s is unavailable: no language model is configured.", c.info.Kind), nil
		}
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%s: empty answer", c.info.Kind)
	}
	return out, nil
}

func stamp(now time.Time) string {
	return now.Format("2006-01-02 15:04 (Monday, MST)")
}

func withDefault(key, def string) func(map[string]string) map[string]string {
	return func(p map[string]string) map[string]string {
		if strings.TrimSpace(p[key]) != "" {
			return p
		}
		out := make(map[string]string, len(p)+1)
		for k, v := range p {
			out[k] = v
		}
		out[key] = def
		return out
	}
}

const searchBrief = `You are a search assistant with up-to-date knowledge.
Answer the query with the most relevant, current facts you have, as a short
list of key points. Say plainly when the information may be out of date.`

func newSearch(c llm.Completer, base string, now func() time.Time) *prompted {
	return &prompted{
		info: Info{Kind: "search", Summary: "look something up", Args: []string{"query"}, Required: []string{"query"}},
		llm:  c, base: base, now: now,
		brief: func(map[string]string) string { return searchBrief },
		ask: func(p map[string]string, now time.Time) string {
			return fmt.Sprintf("Current time: %s\nQuery: %s", stamp(now), p["query"])
		},
	}
}

// Weather is answered as a search for the city's forecast.
func newWeather(c llm.Completer, base string, now func() time.Time) *prompted {
	return &prompted{
		info: Info{Kind: "weather", Summary: "weather forecast for a city", Args: []string{"city"}, Required: []string{"city"}},
		llm:  c, base: base, now: now,
		brief: func(map[string]string) string {
			return searchBrief + "\nFor weather, give today's conditions, the temperature range and any rain or wind worth mentioning."
		},
		ask: func(p map[string]string, now time.Time) string {
			return fmt.Sprintf("Current time: %s\nQuery: weather forecast for %s", stamp(now), p["city"])
		},
	}
}

func newNews(c llm.Completer, base string, now func() time.Time) *prompted {
	return &prompted{
		info: Info{Kind: "news", Summary: "headline digest for a category", Args: []string{"category"}},
		llm:  c, base: base, now: now,
		brief: func(map[string]string) string {
			return searchBrief + "\nFor news, list up to five recent headlines with one sentence each."
		},
		ask: func(p map[string]string, now time.Time) string {
			return fmt.Sprintf("Current time: %s\nQuery: latest %s news", stamp(now), p["category"])
		},
		params: withDefault("category", "technology"),
	}
}

func newTranslate(c llm.Completer, base string, now func() time.Time) *prompted {
	return &prompted{
		info: Info{Kind: "translate", Summary: "translate text", Args: []string{"target_language", "text"}, Required: []string{"text"}},
		llm:  c, base: base, now: now,
		brief: func(p map[string]string) string {
			return fmt.Sprintf(`You are a translator. Translate the user's text into %s.
Return only the translation, keeping the original formatting and tone.`, p["target_language"])
		},
		ask: func(p map[string]string, _ time.Time) string {
			return "Translate: " + p["text"]
		},
		params: withDefault("target_language", "English"),
	}
}
