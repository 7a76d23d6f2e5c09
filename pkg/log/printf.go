package log

import (
	"fmt"
	"strings"
)

// PrintfLogger adapts a Logger to the Println/Printf interface the paho
// libraries use for their package loggers.
type PrintfLogger struct {
	l     Logger
	error bool
}

// NewPrintfLogger returns an adapter writing at debug level, or at error level
// when asError is set.
func NewPrintfLogger(l Logger, asError bool) *PrintfLogger {
	return &PrintfLogger{l: l, error: asError}
}

func (p *PrintfLogger) Println(v ...any) {
	p.write(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (p *PrintfLogger) Printf(format string, v ...any) {
	p.write(strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"))
}

func (p *PrintfLogger) write(msg string) {
	if p.error {
		p.l.Error(nil, msg)
		return
	}
	p.l.Debug(msg)
}
