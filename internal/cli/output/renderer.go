// Package output renders command results as terminal text or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Mode selects the output format.
type Mode string

// Output modes. Auto renders text on a terminal and JSON otherwise.
const (
	ModeAuto Mode = "auto"
	ModeText Mode = "text"
	ModeJSON Mode = "json"
)

// Modes lists the accepted values of the --output flag.
var Modes = []string{string(ModeAuto), string(ModeText), string(ModeJSON)}

// Renderer writes command output.
type Renderer struct {
	out   io.Writer
	err   io.Writer
	isTTY bool
	mode  Mode
	title cases.Caser
}

// NewRenderer creates a renderer, detecting whether out is a terminal.
func NewRenderer(out, errOut io.Writer, mode Mode) *Renderer {
	isTTY := false
	if f, ok := out.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}
	return NewRendererWithTTY(out, errOut, isTTY, mode)
}

// NewRendererWithTTY creates a renderer with an explicit terminal state.
func NewRendererWithTTY(out, errOut io.Writer, isTTY bool, mode Mode) *Renderer {
	if mode == "" {
		mode = ModeAuto
	}
	return &Renderer{
		out:   out,
		err:   errOut,
		isTTY: isTTY,
		mode:  mode,
		title: cases.Title(language.English),
	}
}

// EffectiveMode resolves auto to text or JSON.
func (r *Renderer) EffectiveMode() Mode {
	if r.mode != ModeAuto {
		return r.mode
	}
	if r.isTTY {
		return ModeText
	}
	return ModeJSON
}

// IsTTY reports whether output goes to a terminal.
func (r *Renderer) IsTTY() bool {
	return r.isTTY
}

// Writer returns the output writer.
func (r *Renderer) Writer() io.Writer {
	return r.out
}

// Println writes a line.
func (r *Renderer) Println(a ...any) {
	_, _ = fmt.Fprintln(r.out, a...)
}

// Printf writes formatted output.
func (r *Renderer) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(r.out, format, a...)
}

// Header writes a section title.
func (r *Renderer) Header(level int, title string) {
	r.Println(FormatHeader(level, title))
	r.Println("")
}

// Success reports a completed action.
func (r *Renderer) Success(msg string) {
	r.Println("✓ " + msg)
}

// Warning writes a warning to the error stream.
func (r *Renderer) Warning(msg string) {
	_, _ = fmt.Fprintln(r.err, "! "+msg)
}

// JSON writes v as indented JSON.
func (r *Renderer) JSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Render writes v as JSON in JSON mode and calls text otherwise.
func (r *Renderer) Render(v any, text func() error) error {
	if r.EffectiveMode() == ModeJSON {
		return r.JSON(v)
	}
	return text()
}

// Table writes rows under title-cased column headers.
func (r *Renderer) Table(headers []string, rows [][]any) {
	if len(rows) == 0 {
		r.Println("(0 rows)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetStyle(table.StyleLight)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = r.title.String(strings.ReplaceAll(h, "_", " "))
	}
	t.AppendHeader(header)
	for _, row := range rows {
		t.AppendRow(table.Row(row))
	}
	t.Render()
}

// KeyValues writes aligned key/value lines.
func (r *Renderer) KeyValues(pairs [][2]string) {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	for _, p := range pairs {
		r.Println(FormatKeyValue(p[0], p[1], width))
	}
}
