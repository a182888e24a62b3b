package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	addressColor = color.New(color.FgCyan)
	valueColor   = color.New(color.FgGreen)
	phaseColor   = color.New(color.Faint)
)

func init() {
	// color's own detection looks at stdout only; output also goes to pipes via stderr
	if !term.IsTerminal(int(os.Stdout.Fd())) || !term.IsTerminal(int(os.Stderr.Fd())) {
		color.NoColor = true
	}
}

func errorLabel() string {
	return errorColor.Sprint("ERROR:")
}

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// formatValue renders a characteristic value: hex on request or when the bytes
// are not printable text, the text itself otherwise.
func formatValue(data []byte, asHex bool) string {
	if asHex || !isPrintable(data) {
		return strings.ToUpper(hex.EncodeToString(data))
	}
	return string(data)
}

func isPrintable(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, r := range string(data) {
		if r == unicode.ReplacementChar || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			return false
		}
	}
	return true
}

// parseHexPayload accepts "0a0b", "0x0a0b", "0a 0b" and "0a:0b" style input
func parseHexPayload(s string) ([]byte, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	clean = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(clean)
	if clean == "" {
		return nil, fmt.Errorf("payload is empty")
	}
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("payload %q has an odd number of hex digits", s)
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("payload %q is not hex: %w", s, err)
	}
	return data, nil
}

// printValue writes "<label>: <value>" with the label in address color
func printValue(w io.Writer, label string, data []byte, asHex bool) {
	fmt.Fprintf(w, "%s: %s\n", addressColor.Sprint(label), valueColor.Sprint(formatValue(data, asHex)))
}
