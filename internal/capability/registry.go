// Package capability holds the named executors a task or a chat command can
// invoke: weather, news, search, calculate, translate and reminder.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownKind = errors.New("unknown capability")
	ErrDuplicate   = errors.New("capability already registered")
)

// Executor runs one capability and returns the text to send to contact.
//
// A missing or malformed parameter is not an error: the executor returns a
// user-facing explanation instead. Errors are reserved for failures the
// caller should surface as "Sorry, <kind> failed".
type Executor interface {
	Execute(ctx context.Context, params map[string]string, contact string) (string, error)
}

type ExecutorFunc func(ctx context.Context, params map[string]string, contact string) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, params map[string]string, contact string) (string, error) {
	return f(ctx, params, contact)
}

// Info describes a capability for help text and argument binding.
// Args are the parameter names in the order positional chat arguments bind
// to them; Required is the subset that must be present.
type Info struct {
	Kind     string   `json:"kind"`
	Summary  string   `json:"summary"`
	Args     []string `json:"args"`
	Required []string `json:"required,omitempty"`
}

// Describer is implemented by executors that publish an Info.
type Describer interface {
	Describe() Info
}

type Registry struct {
	mu    sync.RWMutex
	execs map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{execs: map[string]Executor{}}
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func (r *Registry) Register(kind string, e Executor) error {
	k := normalizeKind(kind)
	if k == "" || e == nil {
		return fmt.Errorf("capability: kind and executor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.execs[k]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, k)
	}
	r.execs[k] = e
	return nil
}

func (r *Registry) Lookup(kind string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[normalizeKind(kind)]
	return e, ok
}

// Supports reports whether kind is registered.
func (r *Registry) Supports(kind string) bool {
	_, ok := r.Lookup(kind)
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.execs))
	for k := range r.execs {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Infos returns descriptions for every registered kind, sorted by kind.
func (r *Registry) Infos() []Info {
	kinds := r.Kinds()
	out := make([]Info, 0, len(kinds))
	for _, k := range kinds {
		e, _ := r.Lookup(k)
		info := Info{Kind: k}
		if d, ok := e.(Describer); ok {
			info = d.Describe()
			info.Kind = k
		}
		out = append(out, info)
	}
	return out
}

// Run looks up kind and executes it.
func (r *Registry) Run(ctx context.Context, kind string, params map[string]string, contact string) (string, error) {
	e, ok := r.Lookup(kind)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return e.Execute(ctx, params, contact)
}

// BindArgs maps positional chat arguments onto info.Args. Parts are split on
// "|"; the last named argument takes whatever remains. Input made only of
// key=value tokens is taken as explicit parameters instead.
func BindArgs(info Info, raw string) map[string]string {
	params := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" || len(info.Args) == 0 {
		return params
	}

	if !strings.Contains(raw, "|") {
		if kv, ok := parseKeyValues(raw); ok {
			return kv
		}
	}

	parts := strings.SplitN(raw, "|", len(info.Args))
	for i, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			params[info.Args[i]] = v
		}
	}
	return params
}

// parseKeyValues accepts "k=v k2=v2" where every token has an "=".
// Values may not contain spaces.
func parseKeyValues(s string) (map[string]string, bool) {
	fields := strings.Fields(s)
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, false
		}
		out[strings.ToLower(k)] = v
	}
	return out, len(out) > 0
}

// missing returns a user-facing message naming the first absent required
// parameter, or "" when all are present.
func missing(info Info, params map[string]string) string {
	for _, name := range info.Required {
		if strings.TrimSpace(params[name]) == "" {
			return fmt.Sprintf("%s needs a %s. Usage: %s", info.Kind, strings.ReplaceAll(name, "_", " "), Usage(info))
		}
	}
	return ""
}

// Usage renders the chat syntax for info.
func Usage(info Info) string {
	if len(info.Args) == 0 {
		return "/" + info.Kind
	}
	return "/" + info.Kind + " <" + strings.Join(info.Args, "> | <") + ">"
}
