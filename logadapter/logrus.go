// Package logadapter wraps github.com/sirupsen/logrus as an rklog.Logger.
package logadapter

import (
	"github.com/joeycumines/reactorkit/rklog"
	"github.com/sirupsen/logrus"
)

// Logrus adapts a logrus.FieldLogger to rklog.Logger.
type Logrus struct{ logrus.FieldLogger }

var _ rklog.Logger = Logrus{}

// New wraps l, defaulting to logrus.StandardLogger() if l is nil.
func New(l logrus.FieldLogger) Logrus {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return Logrus{FieldLogger: l}
}

func (x Logrus) WithField(key string, value any) rklog.Logger {
	return Logrus{FieldLogger: x.FieldLogger.WithField(key, value)}
}

func (x Logrus) WithError(err error) rklog.Logger {
	return Logrus{FieldLogger: x.FieldLogger.WithError(err)}
}
