package core

import (
	"github.com/go-logr/logr"
)

// LoggingInterceptor stands in for an interceptor that is no longer
// available. It only logs, so a stale id never breaks the instrumented code.
type LoggingInterceptor struct {
	name string
	log  logr.Logger
}

func NewLoggingInterceptor(name string, log logr.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{name: name, log: log.WithName("fallback")}
}

func (l *LoggingInterceptor) Name() string {
	return l.name
}

func (l *LoggingInterceptor) Before(call *Call) error {
	if l.log.V(1).Enabled() {
		l.log.V(1).Info("before", "interceptor", l.name, "method", call.Method.String(), "args", len(call.Args))
	}
	return nil
}

func (l *LoggingInterceptor) After(call *Call, result any, err error) error {
	if l.log.V(1).Enabled() {
		l.log.V(1).Info("after", "interceptor", l.name, "method", call.Method.String(), "error", err)
	}
	return nil
}
