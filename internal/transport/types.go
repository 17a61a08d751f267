// Package transport holds the chat-facing types shared by the telegram
// adapter and the command router.
package transport

import "context"

// Message is one incoming text message.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic, 0 if none
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	HTML           bool
	DisablePreview bool
}

// Adapter feeds incoming messages to out and sends replies.
type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// BotCommand is one entry of the command menu.
type BotCommand struct {
	Command     string
	Description string
}
