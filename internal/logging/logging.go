// Package logging builds the logr loggers used across the agent.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// New returns a logger writing to stderr. Higher verbosity enables the
// per-invocation debug messages of the interceptor runtime.
func New(verbosity int) logr.Logger {
	return NewWithWriter(os.Stderr, verbosity)
}

func NewWithWriter(w io.Writer, verbosity int) logr.Logger {
	stdr.SetVerbosity(verbosity)
	return stdr.NewWithOptions(log.New(w, "", log.LstdFlags|log.Lmicroseconds), stdr.Options{
		LogCaller: stdr.Error,
	}).WithName("go-agent")
}
