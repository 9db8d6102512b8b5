// Package output renders CLI results as aligned text for terminals or as
// JSON for pipes and scripts.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
)

// Writer renders command results.
type Writer struct {
	out  io.Writer
	json bool
}

// New returns a text Writer.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// NewJSON returns a Writer that encodes every result as JSON.
func NewJSON(out io.Writer) *Writer {
	return &Writer{out: out, json: true}
}

// Auto returns a JSON Writer when forced or when out is not a terminal.
func Auto(out io.Writer, forceJSON bool) *Writer {
	if forceJSON || !IsTTY(out) {
		return NewJSON(out)
	}
	return New(out)
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// JSON reports whether results are JSON encoded.
func (w *Writer) JSON() bool { return w.json }

// Result writes v as indented JSON in JSON mode, else calls text.
// Errors from writing to the console are ignored.
func (w *Writer) Result(v any, text func(w *Writer)) error {
	if w.json {
		enc := json.NewEncoder(w.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// Status prints a message with an icon.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Success prints a success message.
func (w *Writer) Success(msg string) { w.Status("✅", msg) }

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) { w.Success(fmt.Sprintf(format, args...)) }

// Warning prints a warning message.
func (w *Writer) Warning(msg string) { w.Status("⚠️ ", msg) }

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) { w.Warning(fmt.Sprintf(format, args...)) }

// Line prints a plain formatted line.
func (w *Writer) Line(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, format+"\n", args...)
}

// KV prints aligned key/value pairs. pairs alternates key and value.
func (w *Writer) KV(pairs ...any) {
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	for i := 0; i+1 < len(pairs); i += 2 {
		_, _ = fmt.Fprintf(tw, "%v:\t%v\n", pairs[i], pairs[i+1])
	}
	_ = tw.Flush()
}

// Table prints rows under an upper-cased header.
func (w *Writer) Table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	upper := make([]string, len(header))
	for i, h := range header {
		upper[i] = strings.ToUpper(h)
	}
	_, _ = fmt.Fprintln(tw, strings.Join(upper, "\t"))
	for _, r := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	_ = tw.Flush()
}
