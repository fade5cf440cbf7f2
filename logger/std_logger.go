package logger

import "log"

type StdLogger struct {
	source string
}

func NewStdLogger() Logger {
	return &StdLogger{}
}

func (l *StdLogger) WithSource(source string) Logger {
	return &StdLogger{source: source}
}

func (l *StdLogger) prefix(level string) string {
	if l.source == "" {
		return "[" + level + "] "
	}
	return "[" + level + "] [" + l.source + "] "
}

func (l *StdLogger) Debug(msg string, args ...any) {
	log.Printf(l.prefix("DEBUG")+msg, args...)
}

func (l *StdLogger) Info(msg string, args ...any) {
	log.Printf(l.prefix("INFO")+msg, args...)
}

func (l *StdLogger) Warn(msg string, args ...any) {
	log.Printf(l.prefix("WARN")+msg, args...)
}

func (l *StdLogger) Error(msg string, args ...any) {
	log.Printf(l.prefix("ERROR")+msg, args...)
}
