package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Basic writes plain log lines to a writer. Intended for the wiring binary
// and examples; hosts embedding the broker supply their own Logger.
type Basic struct {
	mu     *sync.Mutex
	out    io.Writer
	fields []Field
}

var _ Logger = (*Basic)(nil)

// NewBasic returns a logger writing to stderr.
func NewBasic() *Basic {
	return &Basic{mu: &sync.Mutex{}, out: os.Stderr}
}

// NewBasicWriter returns a logger writing to w.
func NewBasicWriter(w io.Writer) *Basic {
	if w == nil {
		w = os.Stderr
	}
	return &Basic{mu: &sync.Mutex{}, out: w}
}

func (b *Basic) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return b
	}
	next := &Basic{mu: b.mu, out: b.out}
	next.fields = append(append([]Field(nil), b.fields...), fields...)
	return next
}

func (b *Basic) Debug(msg string, fields ...Field) { b.log("DEBUG", msg, fields) }
func (b *Basic) Info(msg string, fields ...Field)  { b.log("INFO", msg, fields) }
func (b *Basic) Warn(msg string, fields ...Field)  { b.log("WARN", msg, fields) }
func (b *Basic) Error(msg string, fields ...Field) { b.log("ERROR", msg, fields) }

func (b *Basic) log(level, msg string, fields []Field) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", level, msg)
	for _, f := range append(b.fields, fields...) {
		fmt.Fprintf(&sb, " %s=%v", f.Key, f.Value)
	}
	b.mu.Lock()
	fmt.Fprintln(b.out, sb.String())
	b.mu.Unlock()
}
