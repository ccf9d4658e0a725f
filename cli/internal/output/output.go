// Package output renders human-facing CLI results: status lines,
// aligned tables, and indented JSON.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type style string

const (
	styleGreen  style = "\033[32;1m"
	styleRed    style = "\033[31;1m"
	styleYellow style = "\033[33m"
	styleCyan   style = "\033[36m"
	styleBold   style = "\033[1m"

	styleReset = "\033[0m"
)

// noColor follows the NO_COLOR convention.
var noColor = os.Getenv("NO_COLOR") != ""

func (s style) sprintf(format string, a ...any) string {
	text := fmt.Sprintf(format, a...)
	if noColor {
		return text
	}
	return string(s) + text + styleReset
}

// Success prints a checkmark line to stdout.
func Success(format string, a ...any) {
	fmt.Println(styleGreen.sprintf("✓ "+format, a...))
}

// Error prints a cross line to stderr.
func Error(format string, a ...any) {
	fmt.Fprintln(os.Stderr, styleRed.sprintf("✗ "+format, a...))
}

// Info prints a plain line to stdout.
func Info(format string, a ...any) {
	fmt.Println(styleCyan.sprintf(format, a...))
}

// Warn prints a warning line to stdout.
func Warn(format string, a ...any) {
	fmt.Println(styleYellow.sprintf("⚠ "+format, a...))
}

// JSON writes v to stdout with two-space indentation.
func JSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table accumulates rows and renders them with columns padded to the
// widest cell.
type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers []string) *Table {
	return &Table{headers: headers}
}

func (t *Table) AddRow(row []string) {
	t.rows = append(t.rows, row)
}

func (t *Table) Render() {
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, header := range t.headers {
		fmt.Print(styleBold.sprintf("%-*s  ", widths[i], header))
	}
	fmt.Println()

	for i := range t.headers {
		fmt.Print(strings.Repeat("-", widths[i]) + "  ")
	}
	fmt.Println()

	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Printf("%-*s  ", widths[i], cell)
			}
		}
		fmt.Println()
	}
}
