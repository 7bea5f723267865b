package cli

import (
	"io"
	"os"

	"golang.org/x/term"
)

// terminalWidth reports the column width of w when it is a terminal.
// Pipes and test buffers get 0, meaning unlimited.
func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			return width
		}
	}
	return 0
}

// truncateToWidth shortens s to fit in width columns, marking the cut with
// an ellipsis. width <= 0 disables truncation.
func truncateToWidth(s string, width int) string {
	if width <= 0 || len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}
