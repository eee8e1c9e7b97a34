package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"remindbot/internal/capability"
	"remindbot/internal/storage"
	"remindbot/internal/task"
	"remindbot/internal/task/recurrence"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/task/timeparse"
)

const timeLayout = "2006-01-02 15:04"

func (r *Router) builtinCommands() []Command {
	return []Command{
		{
			Name:        "remind",
			Aliases:     []string{"at"},
			Description: "schedule a reminder or capability run",
			Usage:       "/remind <when> | <text or /capability args>",
			Timeout:     30 * time.Second,
			Handle:      r.cmdRemind,
		},
		{
			Name:        "every",
			Description: "schedule a recurring task",
			Usage:       "/every [n] <unit> [from <when>] | <text or /capability args>",
			Timeout:     30 * time.Second,
			Handle:      r.cmdEvery,
		},
		{
			Name:        "tasks",
			Aliases:     []string{"list"},
			Description: "list your scheduled tasks",
			Usage:       "/tasks [all]",
			Timeout:     15 * time.Second,
			Handle:      r.cmdTasks,
		},
		{
			Name:        "cancel",
			Aliases:     []string{"delete"},
			Description: "cancel a task by id",
			Usage:       "/cancel <id>",
			Timeout:     15 * time.Second,
			Handle:      r.cmdCancel,
		},
		{
			Name:        "help",
			Aliases:     []string{"start"},
			Description: "show commands",
			Usage:       "/help",
			Timeout:     5 * time.Second,
			Handle:      r.cmdHelp,
		},
	}
}

func (r *Router) location() *time.Location {
	if r.d.Scheduler != nil {
		if loc := r.d.Scheduler.Location(); loc != nil {
			return loc
		}
	}
	return time.Local
}

func (r *Router) cmdRemind(ctx context.Context, req *Request) error {
	when, body, ok := splitPipe(req.Args)
	if !ok || when == "" || body == "" {
		return r.reply(ctx, req, "Usage: /remind <when> | <text or /capability args>\nExample: /remind tomorrow 9am | call mom")
	}
	res, err := r.d.Scheduler.Resolve(ctx, when, body)
	if err != nil {
		return r.replyCreateError(ctx, req, when, err)
	}
	cr, msg := r.buildAction(req.Contact, body)
	if msg != "" {
		return r.reply(ctx, req, msg)
	}
	cr.ScheduledAt = res.At

	id, err := r.d.Scheduler.CreateTask(ctx, cr)
	if err != nil {
		return r.replyCreateError(ctx, req, when, err)
	}
	at := res.At.In(r.location()).Format(timeLayout)
	return r.reply(ctx, req, fmt.Sprintf("Reminder set for %s (id %s)", at, shortID(id)))
}

func (r *Router) cmdEvery(ctx context.Context, req *Request) error {
	head, body, ok := splitPipe(req.Args)
	if !ok || head == "" || body == "" {
		return r.reply(ctx, req, "Usage: /every [n] <unit> [from <when>] | <text or /capability args>\nExample: /every 2 hours | drink water")
	}
	spec, err := parseEvery(head)
	if err != nil {
		return r.reply(ctx, req, "Could not read the interval: "+err.Error()+".")
	}
	if err := recurrence.Validate(spec.Unit, spec.Value); err != nil {
		return r.reply(ctx, req, "Could not read the interval: "+err.Error()+".")
	}

	var first time.Time
	if spec.From != "" {
		res, err := r.d.Scheduler.Resolve(ctx, spec.From, body)
		if err != nil {
			return r.replyCreateError(ctx, req, spec.From, err)
		}
		first = res.At
	} else {
		first, err = recurrence.Next(r.now().In(r.location()), spec.Unit, spec.Value)
		if err != nil {
			return r.reply(ctx, req, "Could not read the interval: "+err.Error()+".")
		}
	}

	cr, msg := r.buildAction(req.Contact, body)
	if msg != "" {
		return r.reply(ctx, req, msg)
	}
	cr.ScheduledAt = first
	cr.Recurrence = &task.RecurrenceRule{Unit: spec.Unit, Value: spec.Value}

	id, err := r.d.Scheduler.CreateTask(ctx, cr)
	if err != nil {
		return r.replyCreateError(ctx, req, spec.From, err)
	}
	return r.reply(ctx, req, fmt.Sprintf("Scheduled %s, first at %s (id %s)",
		recurrence.Describe(spec.Unit, spec.Value),
		first.In(r.location()).Format(timeLayout),
		shortID(id),
	))
}

// buildAction turns the body of /remind or /every into a create request.
// A body starting with "/" names a capability. msg is a user-facing
// rejection.
func (r *Router) buildAction(contact, body string) (task.CreateRequest, string) {
	cr := task.CreateRequest{Contact: contact}
	word, rest, isCmd := splitCommand(body)
	if !isCmd {
		cr.Payload = body
		return cr, ""
	}
	info, ok := r.capabilityInfo(word)
	if !ok {
		return cr, fmt.Sprintf("Unknown capability %q. Try /help", word)
	}
	params := capability.BindArgs(info, rest)
	for _, name := range info.Required {
		if strings.TrimSpace(params[name]) == "" {
			return cr, fmt.Sprintf("%s needs a %s. Usage: %s", info.Kind, name, capability.Usage(info))
		}
	}
	cr.Capability = &task.Capability{Kind: info.Kind, Params: params}
	return cr, ""
}

func (r *Router) replyCreateError(ctx context.Context, req *Request, when string, err error) error {
	switch {
	case errors.Is(err, timeparse.ErrNotResolved):
		return r.reply(ctx, req, fmt.Sprintf("Could not understand the time %q.", when))
	case errors.Is(err, scheduler.ErrInPast):
		return r.reply(ctx, req, "That time has already passed.")
	case errors.Is(err, scheduler.ErrInvalidTask), errors.Is(err, recurrence.ErrInvalidRule):
		return r.reply(ctx, req, "Could not create the task: "+err.Error()+".")
	case errors.Is(err, scheduler.ErrNotReady):
		return r.reply(ctx, req, "Still starting up, please try again in a moment.")
	default:
		_ = r.reply(ctx, req, "Sorry, something went wrong while scheduling.")
		return err
	}
}

func (r *Router) cmdTasks(ctx context.Context, req *Request) error {
	all := false
	for _, tok := range tokenizeCommandLine(req.Args) {
		if strings.EqualFold(tok, "all") {
			all = true
		}
	}
	views, err := r.d.Scheduler.ListTasks(ctx, task.ListFilter{Contact: req.Contact, IncludeExecuted: all})
	if err != nil {
		_ = r.reply(ctx, req, "Sorry, could not load your tasks.")
		return err
	}
	if len(views) == 0 {
		return r.reply(ctx, req, "No scheduled tasks.")
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].DisplayTime.Before(views[j].DisplayTime) })

	var b strings.Builder
	b.WriteString("Your tasks:\n")
	for _, v := range views {
		fmt.Fprintf(&b, "• %s  %s  %s", shortID(v.ID), v.DisplayTime.Format(timeLayout), v.Payload)
		if v.Recurring {
			b.WriteString("  (" + recurrence.Describe(v.Unit, v.Value) + ")")
		}
		switch {
		case v.Executed:
			b.WriteString("  [done]")
		case !v.Armed:
			b.WriteString("  [paused]")
		}
		b.WriteByte('\n')
	}
	return r.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	ref := strings.TrimSpace(req.Args)
	if ref == "" {
		return r.reply(ctx, req, "Usage: /cancel <id>. See /tasks for ids.")
	}
	t, err := r.d.Scheduler.FindTask(ctx, req.Contact, ref)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return r.reply(ctx, req, fmt.Sprintf("No task %q.", ref))
	case errors.Is(err, scheduler.ErrInvalidTask):
		return r.reply(ctx, req, fmt.Sprintf("%q matches more than one task, use more characters.", ref))
	case err != nil:
		_ = r.reply(ctx, req, "Sorry, could not cancel the task.")
		return err
	}
	if err := r.d.Scheduler.DeleteTask(ctx, t.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		_ = r.reply(ctx, req, "Sorry, could not cancel the task.")
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf("Cancelled %s: %s", shortID(t.ID), t.Payload))
}

// handleCapability runs "/<kind> args" right away.
func (r *Router) handleCapability(ctx context.Context, req *Request) error {
	info, ok := r.capabilityInfo(req.Command)
	if !ok {
		return r.reply(ctx, req, "Unknown command. Try /help")
	}
	exec, ok := r.d.Capabilities.Lookup(info.Kind)
	if !ok {
		return r.reply(ctx, req, "Unknown command. Try /help")
	}
	out, err := exec.Execute(ctx, capability.BindArgs(info, req.Args), req.Contact)
	if err != nil {
		_ = r.reply(ctx, req, fmt.Sprintf("Sorry, %s failed.", info.Kind))
		return err
	}
	if strings.TrimSpace(out) == "" {
		out = "Done."
	}
	return r.reply(ctx, req, out)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
