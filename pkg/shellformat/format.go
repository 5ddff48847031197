// Package shellformat validates and normalizes shell scripts before the
// orchestrator hands them to an interpreter. It uses mvdan.cc/sh/v3/syntax
// (the shfmt parser), so anything it accepts is real bash.
package shellformat

import (
	"bytes"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Validate parses script as bash and returns the parse error, if any.
// An empty script is an error: the caller was about to execute nothing.
func Validate(script string) error {
	if strings.TrimSpace(script) == "" {
		return fmt.Errorf("empty script")
	}
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err := parser.Parse(strings.NewReader(script), ""); err != nil {
		return fmt.Errorf("invalid shell script: %w", err)
	}
	return nil
}

// Normalize reformats script with canonical indentation and spacing.
// A script that fails to parse is returned unchanged with the parse error;
// the caller decides whether that is fatal.
func Normalize(script string) (string, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(true),
	)
	prog, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		return script, fmt.Errorf("invalid shell script: %w", err)
	}

	printer := syntax.NewPrinter(syntax.Indent(2), syntax.SpaceRedirects(true))
	var buf bytes.Buffer
	if err := printer.Print(&buf, prog); err != nil {
		return script, fmt.Errorf("failed to print script: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
