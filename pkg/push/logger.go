package push

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// NewWatermillLogger adapts a zerolog logger to watermill's LoggerAdapter so
// the pub/sub bindings log through the same sink as the rest of the engine.
func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{l: l}
}

type watermillLogger struct {
	l zerolog.Logger
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.event(w.l.Error().Err(err), msg, fields)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.event(w.l.Info(), msg, fields)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.event(w.l.Debug(), msg, fields)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.event(w.l.Trace(), msg, fields)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	l := w.l
	for k, v := range fields {
		l = l.With().Interface(k, v).Logger()
	}
	return &watermillLogger{l: l}
}

func (w *watermillLogger) event(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
