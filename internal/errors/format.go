package errors

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Output selects how Report renders an error.
type Output int

const (
	// Text is the multi-line report with ANSI colors.
	Text Output = iota
	// Plain is the multi-line report without escape sequences.
	Plain
	// JSON is a single JSON object per error.
	JSON
)

// Report writes err to w in the given output. Errors that are not an *Error
// are reported as E161 with err as the cause.
func Report(w io.Writer, err error, out Output) {
	e := FromError(err, "E161")
	if e == nil {
		return
	}
	switch out {
	case JSON:
		data, mErr := json.Marshal(e)
		if mErr != nil {
			fmt.Fprintf(w, "{\"message\":%q}\n", e.Error())
			return
		}
		fmt.Fprintf(w, "%s\n", data)
	case Plain:
		io.WriteString(w, e.render(false))
	default:
		io.WriteString(w, e.render(true))
	}
}

// Format returns the error as a multi-line report without colors.
func (e *Error) Format() string {
	return e.render(false)
}

// palette paints text with ANSI SGR codes when enabled.
type palette bool

func (p palette) paint(sgr, text string) string {
	if !p {
		return text
	}
	return "\033[" + sgr + "m" + text + "\033[0m"
}

func (p palette) alert(s string) string { return p.paint("1;31", s) }
func (p palette) title(s string) string { return p.paint("1;37", s) }
func (p palette) label(s string) string { return p.paint("36", s) }
func (p palette) rule(s string) string  { return p.paint("90", s) }

func (e *Error) render(color bool) string {
	p := palette(color)
	var b strings.Builder

	b.WriteString("\n")
	if e.Code != "" {
		fmt.Fprintf(&b, "%s %s\n\n", p.alert("ERROR"), p.title(e.Code+": "+e.Message))
	} else {
		fmt.Fprintf(&b, "%s %s\n\n", p.alert("ERROR:"), p.title(e.Message))
	}

	if e.Location != nil {
		fmt.Fprintf(&b, "  %s\n\n", p.label(e.Location.String()))
		if len(e.Context) > 0 {
			e.writeSnippet(&b, p)
			b.WriteString("\n")
		}
	}

	if e.Detail != "" {
		for _, line := range wrapText(e.Detail, 70) {
			fmt.Fprintf(&b, "  %s\n", line)
		}
		b.WriteString("\n")
	}
	if e.Wrapped != nil {
		fmt.Fprintf(&b, "  %s %s\n\n", p.label("Cause:"), e.Wrapped)
	}
	if e.Suggestion != "" {
		fmt.Fprintf(&b, "  %s %s\n\n", p.label("Hint:"), e.Suggestion)
	}
	if e.Example != "" {
		fmt.Fprintf(&b, "  %s\n", p.label("Example:"))
		for _, line := range strings.Split(e.Example, "\n") {
			fmt.Fprintf(&b, "    %s\n", line)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// writeSnippet prints the context lines with the error line marked and, when
// known, a caret under the column.
func (e *Error) writeSnippet(b *strings.Builder, p palette) {
	first := e.Location.Line - len(e.Context)/2
	for i, text := range e.Context {
		n := first + i
		marker := "  "
		if n == e.Location.Line {
			marker = p.alert("→ ")
		}
		fmt.Fprintf(b, "  %s%4d %s%s\n", marker, n, p.rule("│ "), text)
		if n == e.Location.Line && e.Location.Column > 0 {
			fmt.Fprintf(b, "       %s%s%s\n", p.rule("│ "), strings.Repeat(" ", e.Location.Column-1), p.alert("^"))
		}
	}
}

type jsonLocation struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

type jsonError struct {
	Code       string        `json:"code,omitempty"`
	Category   Category      `json:"category,omitempty"`
	Message    string        `json:"message"`
	Detail     string        `json:"detail,omitempty"`
	Location   *jsonLocation `json:"location,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
	Cause      string        `json:"cause,omitempty"`
}

// MarshalJSON encodes the error for machine consumption. Context lines and
// the example are left out.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := jsonError{
		Code:       e.Code,
		Category:   e.Category,
		Message:    e.Message,
		Detail:     e.Detail,
		Suggestion: e.Suggestion,
	}
	if e.Location != nil {
		out.Location = &jsonLocation{File: e.Location.File, Line: e.Location.Line, Column: e.Location.Column}
	}
	if e.Wrapped != nil {
		out.Cause = e.Wrapped.Error()
	}
	return json.Marshal(out)
}

// wrapText breaks text into lines of at most width bytes on word boundaries.
func wrapText(text string, width int) []string {
	var (
		lines []string
		line  string
	)
	for _, word := range strings.Fields(text) {
		switch {
		case line == "":
			line = word
		case len(line)+1+len(word) > width:
			lines = append(lines, line)
			line = word
		default:
			line += " " + word
		}
	}
	if line != "" {
		lines = append(lines, line)
	}
	return lines
}
