package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewNullLogger returns a Logger that drops every entry. Repairs run
// without a log, such as library calls and tests, use it. Fatal does not
// exit the process.
func NewNullLogger() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	l.ExitFunc = func(int) {}
	return NewLogrusAdapter(logrus.NewEntry(l))
}
