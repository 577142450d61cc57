// Package snark converts STARK receipts to SNARK proofs one at a time.
package snark

import (
	"context"
	"fmt"
	"strings"

	bonsai "github.com/wolfeidau/bonsai-local"
)

// Converter turns a serialized receipt into a SNARK proof.
type Converter interface {
	Convert(ctx context.Context, receipt []byte) ([]byte, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, receipt []byte) ([]byte, error)

// Convert calls f.
func (f ConverterFunc) Convert(ctx context.Context, receipt []byte) ([]byte, error) {
	return f(ctx, receipt)
}

// ConversionError is a failed container run.
type ConversionError struct {
	ExitCode int
	// Stderr is the tail of the container's stderr.
	Stderr   string
	TimedOut bool
}

func (e *ConversionError) Error() string {
	var b strings.Builder
	switch {
	case e.TimedOut:
		b.WriteString("conversion timed out")
	default:
		fmt.Fprintf(&b, "conversion exited with code %d", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String()
}

// Unwrap classifies every ConversionError as bonsai.ErrConversion.
func (e *ConversionError) Unwrap() error {
	return bonsai.ErrConversion
}
