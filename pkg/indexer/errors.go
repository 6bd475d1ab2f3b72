package indexer

import (
	"errors"
	"fmt"
)

// Fatal error categories. Any error wrapping one of these aborts a run.
var (
	ErrClientConstruction = errors.New("search client construction failed")
	ErrBootstrap          = errors.New("index bootstrap failed")
	ErrCommitTransport    = errors.New("bulk commit transport failure")
)

// ParseError reports an artifact that could not be turned into an index
// action. The file is skipped and the run continues.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DiscoveryError reports a source path that is neither a file nor a
// directory. It is logged, never returned from a run.
type DiscoveryError struct {
	Source string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("source %q is neither a file nor a directory", e.Source)
}

// IsFatal reports whether err belongs to a category that aborts a run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrClientConstruction) ||
		errors.Is(err, ErrBootstrap) ||
		errors.Is(err, ErrCommitTransport)
}
