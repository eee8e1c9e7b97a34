package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"remindbot/internal/llm"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const chatFallback = "I can set reminders and run tasks. Try /help"

// record appends an inbound message to the contact's history.
func (r *Router) record(ctx context.Context, msg *kit.Message) {
	if r.d.History == nil {
		return
	}
	at := msg.ReceivedAt
	if at.IsZero() {
		at = r.now()
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := r.d.History.AppendMessage(cctx, storage.Message{
		Contact: msg.Contact,
		Role:    storage.RoleUser,
		Text:    msg.Text,
		At:      at,
	})
	if err != nil {
		r.log.Warn("record message failed", logx.String("contact", msg.Contact), logx.Err(err))
	}
}

// handleChat answers free text with the assistant model.
func (r *Router) handleChat(ctx context.Context, req *Request) error {
	cfg := r.config()
	if !cfg.Chat {
		return r.reply(ctx, req, chatFallback)
	}

	var history []storage.Message
	if r.d.History != nil {
		msgs, err := r.d.History.RecentMessages(ctx, req.Contact, cfg.History)
		if err != nil {
			req.Logger.Warn("load history failed", logx.Err(err))
		}
		history = msgs
	}

	answer, err := r.d.LLM.Complete(ctx, cfg.SystemPrompt, transcript(history, req.Message.Text))
	switch {
	case errors.Is(err, llm.ErrDisabled):
		return r.reply(ctx, req, chatFallback)
	case err != nil:
		_ = r.reply(ctx, req, "Sorry, I couldn't answer right now.")
		return err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = chatFallback
	}
	return r.reply(ctx, req, answer)
}

// transcript renders history as "role: text" lines. The current message is
// appended unless history already ends with it.
func transcript(history []storage.Message, current string) string {
	var b strings.Builder
	last := ""
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteByte('\n')
		if m.Role == storage.RoleUser {
			last = m.Text
		} else {
			last = ""
		}
	}
	if last != current {
		b.WriteString(storage.RoleUser + ": " + current + "\n")
	}
	b.WriteString(storage.RoleAssistant + ":")
	return b.String()
}
