package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig controls the chat sink. MinLevel defaults to warn.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Sender delivers one rendered log line to a chat. The telegram adapter
// implements it.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

const defaultLogFile = "./data/apparition.log"

// Service owns the root logger and rebuilds its writers on Apply.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	chat *chatSink

	mu   sync.Mutex
	file *os.File
}

// New applies cfg and returns the service with its root Logger. sender may be
// nil; chat logging then stays silent.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setFieldNames()
	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, Logger{root: s.current}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetTelegramTarget points the chat sink at a chat. A zero thread keeps the
// configured one.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.chat.target(chatID, threadID)
}

// Apply swaps writers and levels. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	s.chat.apply(cfg.Telegram)
	if cfg.Telegram.Enabled {
		writers = append(writers, s.chat)
		if !s.chat.hasTarget() {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled without a target chat")
		}
	}

	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	zl := newRoot(zerolog.MultiLevelWriter(writers...), cfg.Level)
	s.root.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// Close stops the chat worker and closes the log file.
func (s *Service) Close() error {
	s.chat.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
