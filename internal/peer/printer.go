package peer

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// Printer is the shell's console. Table output may contain ANSI colour, so
// columns are padded on visible width.
type Printer interface {
	Printf(format string, args ...any)
	Println(args ...any)
	Table(header []string, rows [][]string)
}

// StdPrinter serialises writes from the shell and the transfer goroutines.
type StdPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdPrinter(w io.Writer) *StdPrinter { return &StdPrinter{w: w} }

func (p *StdPrinter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *StdPrinter) Println(args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, args...)
}

// Table prints header and rows as left-aligned columns two spaces apart.
// The last column is not padded.
func (p *StdPrinter) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for _, row := range append([][]string{header}, rows...) {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], visibleLen(row[i]))
		}
	}

	var b strings.Builder
	writeRow := func(row []string) {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			b.WriteString(cell)
			if i < len(widths)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-visibleLen(cell)+2))
			}
		}
		b.WriteByte('\n')
	}
	writeRow(header)
	for _, row := range rows {
		writeRow(row)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.w, b.String())
}

var ansiEscape = regexp.MustCompile("\033\\[[0-9;]*m")

func visibleLen(s string) int {
	return utf8.RuneCountInString(ansiEscape.ReplaceAllString(s, ""))
}
