package notifier

import "context"

// ChatSender posts plain text into a chat. The telegram adapter implements it.
type ChatSender interface {
	SendChat(ctx context.Context, chatID int64, threadID int, text string) error
}

// ChatSink delivers to "tg:<chat_id>[:<thread_id>]" targets.
type ChatSink struct {
	Sender ChatSender
}

func (c ChatSink) Deliver(ctx context.Context, target, title, body string) error {
	chatID, threadID, err := ParseChatTarget(target)
	if err != nil {
		return err
	}
	return c.Sender.SendChat(ctx, chatID, threadID, title+"\n\n"+body)
}
