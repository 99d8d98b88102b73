package logsink

import (
	"github.com/joeycumines/logiface"

	"github.com/joeycumines/reactorkit/rklog"
)

// diagEvent is a minimal logiface.Event. Only Level/AddField are required;
// AddMessage and AddError are the two optional methods this sink's own
// diagnostics (rotation, overflow shedding, open/write failures) actually
// need — fields are collected and handed to the underlying rklog.Logger
// as a WithField chain by diagWriter, rather than introducing a second,
// independent logging surface distinct from the one every other package
// in this module uses.
type diagEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	fields map[string]any
	msg    string
	err    error
}

func (e *diagEvent) Level() logiface.Level { return e.level }

func (e *diagEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any, 4)
	}
	e.fields[key] = val
}

func (e *diagEvent) AddMessage(msg string) bool { e.msg = msg; return true }

func (e *diagEvent) AddError(err error) bool { e.err = err; return true }

// diagWriter is the logiface.Writer that forwards a finalized diagEvent to
// the sink's configured rklog.Logger.
type diagWriter struct{ log rklog.Logger }

func (w diagWriter) Write(e *diagEvent) error {
	l := w.log
	for k, v := range e.fields {
		l = l.WithField(k, v)
	}
	if e.err != nil {
		l = l.WithError(e.err)
	}
	switch {
	case e.level <= logiface.LevelError:
		l.Error(e.msg)
	case e.level <= logiface.LevelWarning:
		l.Warn(e.msg)
	default:
		l.Info(e.msg)
	}
	return nil
}

// newDiagLogger builds the logiface.Logger used for this sink's own
// diagnostics, writing through to l.
func newDiagLogger(l rklog.Logger) *logiface.Logger[*diagEvent] {
	return logiface.New[*diagEvent](
		logiface.WithEventFactory[*diagEvent](logiface.EventFactoryFunc[*diagEvent](
			func(level logiface.Level) *diagEvent { return &diagEvent{level: level} },
		)),
		logiface.WithWriter[*diagEvent](diagWriter{log: l}),
	)
}
