package logger

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// ZeroLogger adapts a zerolog.Logger to the Logger interface.
type ZeroLogger struct {
	l zerolog.Logger
}

// New creates a ZeroLogger writing JSON lines to w.
func New(w io.Writer) *ZeroLogger {
	return &ZeroLogger{l: zerolog.New(w).With().Timestamp().Logger()}
}

// FromZerolog wraps an existing zerolog.Logger.
func FromZerolog(l zerolog.Logger) *ZeroLogger {
	return &ZeroLogger{l: l}
}

func (z *ZeroLogger) Debug(msg string, args ...any) { emit(z.l.Debug(), msg, args) }
func (z *ZeroLogger) Info(msg string, args ...any)  { emit(z.l.Info(), msg, args) }
func (z *ZeroLogger) Warn(msg string, args ...any)  { emit(z.l.Warn(), msg, args) }
func (z *ZeroLogger) Error(msg string, args ...any) { emit(z.l.Error(), msg, args) }

func emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}
