package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// TestingT is the part of testing.T the output assertions need
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// OutputAssertOptions controls how command output is normalized before comparison
type OutputAssertOptions struct {
	TrimSpace                bool `default:"true"`
	IgnoreTrailingWhitespace bool `default:"true"`
	Color                    bool `default:"false"`
}

// OutputOption adjusts OutputAssertOptions
type OutputOption func(*OutputAssertOptions)

// WithExactWhitespace compares output byte for byte
func WithExactWhitespace() OutputOption {
	return func(o *OutputAssertOptions) {
		o.TrimSpace = false
		o.IgnoreTrailingWhitespace = false
	}
}

// WithDiffColor colors the failure diff
func WithDiffColor() OutputOption {
	return func(o *OutputAssertOptions) {
		o.Color = true
	}
}

// AssertText fails t with a unified diff when actual differs from expected
func AssertText(t TestingT, expected, actual string, opts ...OutputOption) bool {
	o := OutputAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}

	if diff := TextDiff(expected, actual, o); diff != "" {
		t.Errorf("Output mismatch - unified diff:\n%s", diff)
		return false
	}
	return true
}

// TextDiff returns a unified diff of the normalized texts, "" when they match
func TextDiff(expected, actual string, o OutputAssertOptions) string {
	want := normalizeOutput(expected, o)
	got := normalizeOutput(actual, o)
	if want == got {
		return ""
	}

	edits := myers.ComputeEdits("", want, got)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	if !o.Color {
		return unified
	}
	return colorizeDiff(unified)
}

func normalizeOutput(text string, o OutputAssertOptions) string {
	if o.TrimSpace {
		text = strings.TrimSpace(text)
	}
	if !o.IgnoreTrailingWhitespace {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func colorizeDiff(diff string) string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

// AssertJSON compares two JSON documents structurally. Key order and
// formatting are ignored; array order is not.
func AssertJSON(t TestingT, expected, actual string) bool {
	diff, err := JSONDiff(expected, actual)
	if err != nil {
		t.Errorf("JSON assertion failed: %v", err)
		return false
	}
	if diff != "" {
		t.Errorf("JSON mismatch:\n%s", diff)
		return false
	}
	return true
}

// JSONDiff returns an annotated diff of two JSON documents, "" when they are equal
func JSONDiff(expected, actual string) (string, error) {
	var want, got interface{}
	if err := json.Unmarshal([]byte(expected), &want); err != nil {
		return "", fmt.Errorf("invalid expected JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(actual), &got); err != nil {
		return "", fmt.Errorf("invalid actual JSON: %w", err)
	}

	// gojsondiff compares objects only; wrap so root arrays and scalars work too
	left := map[string]interface{}{"root": want}
	right := map[string]interface{}{"root": got}

	diff := gojsondiff.New().CompareObjects(left, right)
	if !diff.Modified() {
		return "", nil
	}

	f := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	return f.Format(diff)
}
