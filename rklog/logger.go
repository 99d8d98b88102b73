// Package rklog defines the narrow logging interface shared across
// reactorkit's packages. It's shaped like the teacher's own package-level
// logging surface in go-eventloop's logging.go (a chainable, field-carrying
// Logger with a no-op default), but cut down to exactly the calls
// reactorkit's packages make: one field at a time via WithField, one error
// via WithError, and three severities (Info/Warn/Error) — there's no
// WithFields or Debug anywhere in this module, so neither is in the
// interface.
package rklog

type (
	// Logger is the logging interface used throughout reactorkit.
	Logger interface {
		WithField(key string, value any) Logger
		WithError(err error) Logger
		Info(args ...any)
		Warn(args ...any)
		Error(args ...any)
	}

	// Discard implements a Logger that does nothing.
	Discard struct{}
)

var (
	_ Logger = Discard{}
)

func (Discard) WithField(string, any) Logger { return Discard{} }
func (Discard) WithError(error) Logger       { return Discard{} }
func (Discard) Info(...any)                  {}
func (Discard) Warn(...any)                  {}
func (Discard) Error(...any)                 {}
