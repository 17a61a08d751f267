package login

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mathew-Carl/Apparition/internal/domain"
)

// Code is what the user scans to approve a login.
type Code struct {
	ChannelID  string
	DisplayURL string
}

// Credential is the raw result of an approved login.
type Credential struct {
	Tokens []domain.Token
	// RemoteID may be empty; the session then falls back to the uid token.
	RemoteID string
}

// Channel is one remote login handshake.
type Channel interface {
	Open(ctx context.Context) (Code, error)
	// AwaitCredential blocks until the login is approved, ctx ends or timeout
	// elapses. A timeout is reported as domain.ErrTimeout.
	AwaitCredential(ctx context.Context, timeout time.Duration) (Credential, error)
	Close() error
}

type ChannelFactory interface {
	NewChannel(ctx context.Context) (Channel, error)
}

// ChannelFactoryFunc adapts a function to ChannelFactory.
type ChannelFactoryFunc func(ctx context.Context) (Channel, error)

func (f ChannelFactoryFunc) NewChannel(ctx context.Context) (Channel, error) { return f(ctx) }

// SynthesizeChannelID builds an id for channels that do not report one.
func SynthesizeChannelID(now time.Time) string {
	return fmt.Sprintf("ch_%d_%s", now.Unix(), uuid.NewString()[:8])
}
