// Package notifier delivers check-in outcomes to per-account endpoints.
//
// Notify only enqueues. A small worker pool drains the queue behind a token
// bucket and retries failed deliveries with exponential backoff and jitter.
//
// # Endpoints
//
// The endpoint string stored on an account selects the sink:
//
//	tg:<chat_id>[:<thread_id>]   telegram chat (or forum topic)
//	mailto:<address>             SMTP mail
//	sct:<sendkey> | <sendkey>    Server-chan push
//
// An empty endpoint means the account opted out; Notify returns nil.
package notifier
