package logging

import (
	"io"
	"os"
	"sync/atomic"
)

// stderrSink is the stand-in for stderr in every logger's output chain.
// Redirecting it moves the console output of all loggers at once.
type stderrSink struct {
	target atomic.Pointer[io.Writer]
}

func (s *stderrSink) Write(p []byte) (int, error) {
	return (*s.target.Load()).Write(p)
}

func (s *stderrSink) redirect(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	s.target.Store(&w)
}

var console = func() *stderrSink {
	s := &stderrSink{}
	s.redirect(nil)
	return s
}()

// SetGlobalOutput redirects console output of all loggers. nil restores stderr.
func SetGlobalOutput(w io.Writer) {
	console.redirect(w)
}

// GetGlobalOutput returns the writer loggers use in place of stderr.
func GetGlobalOutput() io.Writer {
	return console
}
