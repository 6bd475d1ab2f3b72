package indexer

import (
	"time"

	"github.com/jrepp/pfindex/pkg/docid"
	"github.com/jrepp/pfindex/pkg/search"
)

// ArtifactContext holds everything known about one discovered file as it
// moves through the pipeline. Commands fill it in order.
type ArtifactContext struct {
	// Path is the discovered file.
	Path string

	// Record is the parsed document.
	Record search.Record

	// ID is derived from Record's canonical content.
	ID docid.ContentID

	// Action is ready to be buffered once every command has succeeded.
	Action *search.Action

	StartTime time.Time
	Err       error
}

// NewArtifactContext starts tracking a discovered file.
func NewArtifactContext(path string) *ArtifactContext {
	return &ArtifactContext{
		Path:      path,
		StartTime: time.Now(),
	}
}

// Failed reports whether a command rejected the file.
func (ac *ArtifactContext) Failed() bool {
	return ac.Err != nil
}
