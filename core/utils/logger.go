package utils

import (
	"log"
	"os"
)

// Logger is a thin leveled wrapper over the standard logger. Components keep a
// *Logger and nil-check before use so tests can pass nil.
type Logger struct {
	l *log.Logger
}

func NewLogger() *Logger {
	return &Logger{l: log.New(os.Stdout, "", log.LstdFlags|log.LUTC)}
}

func (x *Logger) Printf(format string, args ...any) {
	if x == nil || x.l == nil {
		return
	}
	x.l.Printf(format, args...)
}

func (x *Logger) Infof(format string, args ...any) {
	if x == nil || x.l == nil {
		return
	}
	x.l.Printf("INFO "+format, args...)
}

func (x *Logger) Warnf(format string, args ...any) {
	if x == nil || x.l == nil {
		return
	}
	x.l.Printf("WARN "+format, args...)
}

func (x *Logger) Errorf(format string, args ...any) {
	if x == nil || x.l == nil {
		return
	}
	x.l.Printf("ERROR "+format, args...)
}
