package capability

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/llm"
	"remindbot/internal/task"
)

// BuiltinKinds lists every executor RegisterBuiltins knows.
var BuiltinKinds = []string{"calculate", "news", "reminder", "search", "translate", "weather"}

type Options struct {
	LLM llm.Completer
	// SystemPrompt is prepended to every capability prompt.
	SystemPrompt string
	Creator      task.Creator
	Resolver     TimeResolver
	Now          func() time.Time
	// Enabled limits registration; empty means all builtins.
	Enabled []string
}

// RegisterBuiltins adds the built-in executors to r. The reminder executor
// is skipped when no Creator or Resolver is supplied.
func RegisterBuiltins(r *Registry, o Options) error {
	if o.LLM == nil {
		o.LLM = llm.Disabled()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	want := map[string]bool{}
	for _, k := range o.Enabled {
		want[normalizeKind(k)] = true
	}
	for k := range want {
		if !isBuiltin(k) {
			return fmt.Errorf("%w: %s", ErrUnknownKind, k)
		}
	}

	all := map[string]Executor{
		"search":    newSearch(o.LLM, o.SystemPrompt, o.Now),
		"weather":   newWeather(o.LLM, o.SystemPrompt, o.Now),
		"news":      newNews(o.LLM, o.SystemPrompt, o.Now),
		"translate": newTranslate(o.LLM, o.SystemPrompt, o.Now),
		"calculate": &calculate{llm: o.LLM, base: o.SystemPrompt, now: o.Now},
	}
	if o.Creator != nil && o.Resolver != nil {
		all["reminder"] = &reminder{creator: o.Creator, resolver: o.Resolver, now: o.Now}
	}
	for _, k := range BuiltinKinds {
		e, ok := all[k]
		if !ok || (len(want) > 0 && !want[k]) {
			continue
		}
		if err := r.Register(k, e); err != nil {
			return err
		}
	}
	return nil
}

func isBuiltin(kind string) bool {
	for _, k := range BuiltinKinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}
