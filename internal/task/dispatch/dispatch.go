// Package dispatch performs a fired task's action and delivers the result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindbot/internal/capability"
	"remindbot/internal/eventbus"
	"remindbot/internal/metrics"
	"remindbot/internal/storage"
	"remindbot/internal/task"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Capabilities resolves a capability kind to its executor.
type Capabilities interface {
	Lookup(kind string) (capability.Executor, bool)
}

// Outcome is the result of one firing. CapabilityErr and SendErr are
// recorded, never returned: a fired task always transitions.
type Outcome struct {
	TaskID        string
	Contact       string
	FiredAt       time.Time
	Text          string
	Capability    string
	CapabilityErr error
	SendErr       error
}

type Deps struct {
	Sender       transport.Sender
	Capabilities Capabilities
	Fires        storage.FireLog
	Bus          eventbus.Bus
	Metrics      *metrics.Metrics
	Log          logx.Logger
	Now          func() time.Time
}

type Dispatcher struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) *Dispatcher {
	if d.Now == nil {
		d.Now = time.Now
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{d: d, log: log.With(logx.String("comp", "dispatch"))}
}

// Supports reports whether a capability kind can be dispatched.
func (d *Dispatcher) Supports(kind string) bool {
	if d.d.Capabilities == nil {
		return false
	}
	_, ok := d.d.Capabilities.Lookup(kind)
	return ok
}

// Notify sends text outside of a firing, e.g. the missed-task notice.
func (d *Dispatcher) Notify(ctx context.Context, contact, text string) error {
	if d.d.Sender == nil {
		return transport.ErrUnknownContact
	}
	return d.d.Sender.SendText(ctx, contact, text, nil)
}

// Fire runs t's action and sends the resulting text to t.Contact.
func (d *Dispatcher) Fire(ctx context.Context, t task.Task) Outcome {
	out := Outcome{TaskID: t.ID, Contact: t.Contact, FiredAt: d.d.Now()}
	act := t.Action()

	kind := "message"
	switch act.Kind {
	case task.ActionCapability:
		kind = act.Capability
		out.Capability = act.Capability
		out.Text, out.CapabilityErr = d.runCapability(ctx, act, t.Contact)
	default:
		out.Text = act.Text
	}

	if d.d.Sender == nil {
		out.SendErr = transport.ErrUnknownContact
	} else {
		out.SendErr = d.d.Sender.SendText(ctx, t.Contact, out.Text, nil)
	}
	if out.SendErr != nil {
		d.log.Warn("fire send failed", logx.String("task", t.ID), logx.String("contact", t.Contact), logx.Err(out.SendErr))
	} else {
		d.log.Info("task fired", logx.String("task", t.ID), logx.String("action", act.String()))
	}

	d.d.Metrics.ObserveFire(kind, out.CapabilityErr, out.SendErr)
	d.record(ctx, out)
	return out
}

func (d *Dispatcher) runCapability(ctx context.Context, act task.Action, contact string) (string, error) {
	var exec capability.Executor
	ok := false
	if d.d.Capabilities != nil {
		exec, ok = d.d.Capabilities.Lookup(act.Capability)
	}
	if !ok {
		err := fmt.Errorf("%w: %s", capability.ErrUnknownKind, act.Capability)
		d.log.Warn("unsupported task type", logx.String("kind", act.Capability))
		return "unsupported task type: " + act.Capability, err
	}

	start := time.Now()
	text, err := safeExecute(ctx, exec, act.Params, contact)
	d.d.Metrics.ObserveCapability(act.Capability, time.Since(start))
	if err != nil {
		d.log.Warn("capability failed", logx.String("kind", act.Capability), logx.Err(err))
		return fmt.Sprintf("Sorry, %s failed: %v", act.Capability, err), err
	}
	return text, nil
}

func safeExecute(ctx context.Context, exec capability.Executor, params map[string]string, contact string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return exec.Execute(ctx, params, contact)
}

func (d *Dispatcher) record(ctx context.Context, out Outcome) {
	ev := eventbus.FiredEvent{
		TaskID:        out.TaskID,
		Contact:       out.Contact,
		FiredAt:       out.FiredAt,
		Capability:    out.Capability,
		CapabilityErr: errString(out.CapabilityErr),
		SendErr:       errString(out.SendErr),
	}
	eventbus.Emit(d.d.Bus, eventbus.TaskFired, ev)

	if d.d.Fires == nil {
		return
	}
	rec := storage.FireRecord{
		TaskID:        out.TaskID,
		Contact:       out.Contact,
		FiredAt:       out.FiredAt,
		Text:          out.Text,
		Capability:    out.Capability,
		CapabilityErr: ev.CapabilityErr,
		SendErr:       ev.SendErr,
	}
	// Detached so a fire whose context expired is still audited.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.d.Fires.AppendFire(wctx, rec); err != nil && !errors.Is(err, storage.ErrClosed) {
		d.log.Warn("fire log append failed", logx.String("task", out.TaskID), logx.Err(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
