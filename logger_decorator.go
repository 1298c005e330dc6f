package bundlehost

// WithArgs returns a Logger that prepends args to every call on inner. Bundle
// contexts use it to tag activator logs with the bundle they come from.
func WithArgs(inner Logger, args ...any) Logger {
	if len(args) == 0 {
		return inner
	}
	if l, ok := inner.(*argsLogger); ok {
		return &argsLogger{inner: l.inner, args: append(append([]any(nil), l.args...), args...)}
	}
	return &argsLogger{inner: inner, args: args}
}

type argsLogger struct {
	inner Logger
	args  []any
}

func (l *argsLogger) combine(args []any) []any {
	if len(args) == 0 {
		return l.args
	}
	combined := make([]any, 0, len(l.args)+len(args))
	combined = append(combined, l.args...)
	return append(combined, args...)
}

func (l *argsLogger) Info(msg string, args ...any)  { l.inner.Info(msg, l.combine(args)...) }
func (l *argsLogger) Error(msg string, args ...any) { l.inner.Error(msg, l.combine(args)...) }
func (l *argsLogger) Warn(msg string, args ...any)  { l.inner.Warn(msg, l.combine(args)...) }
func (l *argsLogger) Debug(msg string, args ...any) { l.inner.Debug(msg, l.combine(args)...) }
