package transport

import (
	"context"
	"errors"
)

// ErrNotFound marks a permanently inaccessible channel or message:
// deleted, private without access, or a bad id.
var ErrNotFound = errors.New("message or channel not found")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an inbound post observed on a channel.
type Message struct {
	ID           int
	ChatID       int64
	ChatUsername string
	Text         string
}

// ChannelRef identifies a channel either by public username (without "@")
// or by numeric chat id. Exactly one of the two is set.
type ChannelRef struct {
	Username string
	ChatID   int64
}

func (r ChannelRef) IsZero() bool { return r.Username == "" && r.ChatID == 0 }

// MessageRef points at a concrete message that can be forwarded.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// Resolve maps a channel reference to its concrete chat id.
	// Returns ErrNotFound (possibly wrapped) when the channel is unknown
	// or inaccessible.
	Resolve(ctx context.Context, ref ChannelRef) (int64, error)

	// Forward copies the referenced message to the target chat.
	// Target is a username ("@chan") or a numeric chat id in decimal.
	Forward(ctx context.Context, ref MessageRef, target string) error

	// SendText sends a plain text message (keepalive nudges, digests).
	SendText(ctx context.Context, target string, text string) error
}
