package router

import (
	"context"
	"sort"
	"strings"

	"remindbot/internal/capability"
)

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	return r.reply(ctx, req, r.helpText())
}

func (r *Router) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range r.sortedCommands() {
		b.WriteString(c.Usage)
		if c.Description != "" {
			b.WriteString("  ")
			b.WriteString(c.Description)
		}
		b.WriteByte('\n')
	}

	var infos []capability.Info
	if r.d.Capabilities != nil {
		infos = r.d.Capabilities.Infos()
	}
	if len(infos) > 0 {
		sort.Slice(infos, func(i, j int) bool { return infos[i].Kind < infos[j].Kind })
		b.WriteString("\nCapabilities (run now, or schedule with /remind and /every):\n")
		for _, info := range infos {
			b.WriteString(capability.Usage(info))
			if info.Summary != "" {
				b.WriteString("  ")
				b.WriteString(info.Summary)
			}
			b.WriteByte('\n')
		}
	}
	if r.config().Chat {
		b.WriteString("\nAnything else is answered by the assistant.")
	}
	return strings.TrimRight(b.String(), "\n")
}
