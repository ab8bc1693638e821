package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.Writer
}

// NewWriteCloser adapts w. Close is forwarded only when w is an io.Closer.
func NewWriteCloser(w io.Writer) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return io.WriteString(wc.w, s)
}

func (wc *WriteCloser) Close() error {
	if c, ok := wc.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Printer writes indented, line oriented output to every hook.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []StringWriteCloser
	closed bool
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{indStr: indentString, hooks: hooks}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(p.indent(s, ind))
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(p.indent(s, ind) + "\n")
}

// Status prints one status line prefixed with icon.
func (p *Printer) Status(icon, format string, args ...any) error {
	return p.Writeln(icon+" "+fmt.Sprintf(format, args...), 0)
}

func (p *Printer) indent(s string, ind int) string {
	if ind <= 0 {
		return s
	}
	prefix := strings.Repeat(p.indStr, ind)
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}

func (p *Printer) write(s string) error {
	if p.closed {
		return errors.New("printer closed")
	}
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			errs = append(errs, fmt.Errorf("on closing hook: %w", err))
		}
	}
	return errors.Join(errs...)
}
