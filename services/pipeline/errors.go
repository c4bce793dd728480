package pipeline

import "fmt"

// ParseError reports output that failed to parse into the expected
// shape, either site markup or model output.
type ParseError struct {
	// which output failed to parse, e.g. "search queries", "record fields"
	Stage string
	// the raw text that failed to parse, kept for corrective prompts
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// GenerationError means no usable search queries came out of the model,
// leaving the run with nothing to do. Fatal.
type GenerationError struct {
	Goal string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate queries for %q: %s", e.Goal, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// StoreError reports result sink i/o failure. Fatal to the run.
type StoreError struct {
	Path string
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("result store: %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
