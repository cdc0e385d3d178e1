package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format  OutputFormat
	writer  io.Writer
	notices io.Writer
}

// NewPrinter writes results to writer and user prompts to notices.
func NewPrinter(format string, writer, notices io.Writer) *Printer {
	return &Printer{
		format:  OutputFormat(format),
		writer:  writer,
		notices: notices,
	}
}

// Print writes fields as JSON, or as "key: value" lines in the given order.
func (p *Printer) Print(fields map[string]interface{}, order []string) error {
	switch p.format {
	case OutputFormatJSON:
		enc := json.NewEncoder(p.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(fields)
	case OutputFormatText:
		for _, k := range order {
			if _, err := fmt.Fprintf(p.writer, "%s: %v\n", k, fields[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// Notice writes a line meant for the user, not for scripts.
func (p *Printer) Notice(format string, args ...interface{}) {
	fmt.Fprintf(p.notices, format+"\n", args...)
}
