package transport

import (
	"context"
	"errors"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is one inbound chat message. Contact is the channel-specific
// address replies and scheduled messages are sent to.
type Message struct {
	ID         string
	Contact    string
	FromID     string
	FromName   string
	Text       string
	IsGroup    bool
	ReceivedAt time.Time
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ErrUnknownContact is returned by a Sender that cannot address contact.
var ErrUnknownContact = errors.New("unknown contact")

// Sender delivers text to a contact. It is the only outbound operation the
// scheduler depends on.
type Sender interface {
	SendText(ctx context.Context, contact, text string, opt *SendOptions) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, contact, text string, opt *SendOptions) error

func (f SenderFunc) SendText(ctx context.Context, contact, text string, opt *SendOptions) error {
	return f(ctx, contact, text, opt)
}

// Adapter is a bidirectional chat channel.
type Adapter interface {
	Sender
	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
