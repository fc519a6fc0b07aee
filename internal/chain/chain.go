// Package chain implements the prompt variants under evaluation. A chain is
// a fixed prompt template plus an output-parsing strategy applied to one
// completion call against the local model.
package chain

import (
	"context"
	"errors"
)

var ErrEmptyInput = errors.New("chain input cannot be empty")

// Output is the result of one chain invocation. For structured chains the
// parse is attempted here: a failed parse sets Parsed to false and keeps the
// raw text, it is never surfaced as an error.
type Output struct {
	// Raw is the verbatim model response.
	Raw string
	// Summary is the extracted summary: the parsed field for structured
	// output, the trimmed response for free text.
	Summary string
	// Sentiment is only populated by chains that request it.
	Sentiment string
	// Structured reports whether the chain asked for JSON output.
	Structured bool
	// Parsed reports whether a structured response parsed cleanly. Free-text
	// chains always report true.
	Parsed bool
}

// Chain formats an input into a prompt, invokes the model, and parses the
// response. Transport failures are returned as errors; malformed model
// output is data, recorded in the Output.
type Chain interface {
	Name() string
	Run(ctx context.Context, input string) (*Output, error)
}
