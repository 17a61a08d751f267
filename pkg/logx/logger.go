package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger is a value type. Copies share the same root, so loggers handed out
// by a Service follow every Apply. The zero value drops everything.
type Logger struct {
	root   func() zerolog.Logger
	fields []Field
}

func fixed(zl zerolog.Logger) Logger {
	return Logger{root: func() zerolog.Logger { return zl }}
}

func Nop() Logger { return fixed(zerolog.Nop()) }

// NewConsole writes human-readable lines to stderr. Used before the Service
// exists and by one-shot CLI commands.
func NewConsole(level string) Logger {
	setFieldNames()
	return fixed(newRoot(consoleWriter(os.Stderr), level))
}

// NewWriter writes JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	setFieldNames()
	return fixed(newRoot(w, level))
}

func setFieldNames() {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
}

func newRoot(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

func (l Logger) IsZero() bool { return l.root == nil && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	if l.root == nil {
		return
	}
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		if strings.EqualFold(strings.TrimSpace(s), "warning") {
			return zerolog.WarnLevel
		}
		return def
	}
	return lvl
}
