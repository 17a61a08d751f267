// Package mail delivers notifications over SMTP.
package mail

import (
	"context"
	"errors"
	"strings"

	"gopkg.in/gomail.v2"
)

var ErrNotConfigured = errors.New("smtp not configured")

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// dialer is the part of *gomail.Dialer used here.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type Sender struct {
	cfg Config
	d   dialer
}

func New(cfg Config) *Sender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	s := &Sender{cfg: cfg}
	if cfg.Host != "" {
		s.d = gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}
	return s
}

// Configured reports whether a host is set.
func (s *Sender) Configured() bool { return s.d != nil }

func (s *Sender) message(to, subject, body string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", strings.TrimSpace(to))
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return m
}

// Deliver sends one plain-text mail. gomail has no context support, so ctx
// is only checked before dialing.
func (s *Sender) Deliver(ctx context.Context, to, subject, body string) error {
	if s.d == nil {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.d.DialAndSend(s.message(to, subject, body))
}
