// Package report renders ranked package statistics for the terminal or for
// other programs.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/etnz/package-statistics/contents"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"go.yaml.in/yaml/v3"
)

// Color helpers. They decorate a string and hold no state; output is left
// plain when stdout is not a terminal or NO_COLOR is set.

func Header(s string) string  { return color.HiMagentaString("%s", s) }
func Cyan(s string) string    { return color.HiCyanString("%s", s) }
func Green(s string) string   { return color.HiGreenString("%s", s) }
func Warning(s string) string { return color.HiYellowString("%s", s) }
func Fail(s string) string    { return color.HiRedString("%s", s) }

// Format selects the report encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q, expected table, json or yaml", s)
	}
}

// Write renders entries in the given format.
func Write(w io.Writer, f Format, entries []contents.Entry) error {
	switch f {
	case FormatJSON:
		return JSON(w, entries)
	case FormatYAML:
		return YAML(w, entries)
	default:
		return Table(w, entries)
	}
}

const (
	indexWidth   = 3
	packageWidth = 40
	filesWidth   = 10
)

// Table prints one row per entry: row index, package identifier and file
// count, in the order given.
func Table(w io.Writer, entries []contents.Entry) error {
	head := runewidth.FillRight("", indexWidth+1) +
		runewidth.FillRight("Package name", packageWidth) + " " +
		runewidth.FillRight("Number of files", filesWidth)
	if _, err := fmt.Fprintln(w, Header(head)); err != nil {
		return err
	}
	for i, e := range entries {
		_, err := fmt.Fprintf(w, "%s %s %s\n",
			runewidth.FillRight(strconv.Itoa(i+1), indexWidth),
			Cyan(runewidth.FillRight(e.Package, packageWidth)),
			Green(runewidth.FillRight(strconv.Itoa(e.Files), filesWidth)))
		if err != nil {
			return err
		}
	}
	return nil
}

// row is the machine-readable form of a ranked entry.
type row struct {
	Rank    int    `json:"rank" yaml:"rank"`
	Package string `json:"package" yaml:"package"`
	Files   int    `json:"files" yaml:"files"`
}

func rows(entries []contents.Entry) []row {
	out := make([]row, len(entries))
	for i, e := range entries {
		out[i] = row{Rank: i + 1, Package: e.Package, Files: e.Files}
	}
	return out
}

// JSON writes entries as an indented JSON array.
func JSON(w io.Writer, entries []contents.Entry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows(entries))
}

// YAML writes entries as a YAML sequence.
func YAML(w io.Writer, entries []contents.Entry) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rows(entries)); err != nil {
		return err
	}
	return enc.Close()
}

// Progress prints "Label ... OK" lines while a run advances.
// A nil *Progress prints nothing.
type Progress struct {
	w io.Writer
}

// NewProgress returns a Progress writing to w.
func NewProgress(w io.Writer) *Progress {
	return &Progress{w: w}
}

// Step starts a line.
func (p *Progress) Step(format string, args ...any) {
	if p == nil {
		return
	}
	fmt.Fprintf(p.w, format+" ... ", args...)
}

// OK ends the current line successfully, with an optional detail.
func (p *Progress) OK(detail ...string) {
	if p == nil {
		return
	}
	msg := Green("OK")
	for _, d := range detail {
		msg += " " + d
	}
	fmt.Fprintln(p.w, msg)
}

// Failed ends the current line unsuccessfully.
func (p *Progress) Failed() {
	if p == nil {
		return
	}
	fmt.Fprintln(p.w, Fail("FAILED"))
}
