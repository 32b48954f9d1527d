// Package logx is a small logging shim over the standard library's log
// package, keeping the bracket-tagged "[component] message" convention
// consistent across the codebase without pulling in a logging framework.
package logx

import "log"

// Logger tags every line with a fixed component name, mirroring the
// "[component] message" prefix.
type Logger struct {
	tag string
}

// New returns a Logger prefixing every line with "[tag] ".
func New(tag string) *Logger { return &Logger{tag: tag} }

func (l *Logger) Printf(format string, args ...any) {
	log.Printf("[%s] "+format, append([]any{l.tag}, args...)...)
}

func (l *Logger) Println(args ...any) {
	log.Println(append([]any{"[" + l.tag + "]"}, args...)...)
}

// With returns a child Logger whose tag is "parent/child", for a
// sub-component (e.g. logx.New("devicehandler").With("memreader")).
func (l *Logger) With(child string) *Logger {
	return &Logger{tag: l.tag + "/" + child}
}
