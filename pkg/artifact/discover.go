// Package artifact locates candidate artifact files on disk.
package artifact

import (
	"errors"
	"io/fs"
	"iter"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
)

// DefaultExtension is the Windows Prefetch file extension.
const DefaultExtension = ".pf"

// SourceKind classifies a source path.
type SourceKind int

const (
	SourceMissing SourceKind = iota
	SourceFile
	SourceDirectory
)

func (k SourceKind) String() string {
	switch k {
	case SourceFile:
		return "file"
	case SourceDirectory:
		return "directory"
	}
	return "missing"
}

// Discoverer yields artifact paths from a file or directory source.
type Discoverer struct {
	Fs        afero.Fs
	Extension string
	Logger    hclog.Logger
}

// NewDiscoverer creates a discoverer for the given extension. An empty
// extension selects DefaultExtension.
func NewDiscoverer(fsys afero.Fs, extension string, logger hclog.Logger) *Discoverer {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if extension == "" {
		extension = DefaultExtension
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Discoverer{
		Fs:        fsys,
		Extension: extension,
		Logger:    logger.Named("discover"),
	}
}

// Classify reports whether source is a file, a directory, or neither.
func (d *Discoverer) Classify(source string) SourceKind {
	info, err := d.Fs.Stat(source)
	if err != nil {
		return SourceMissing
	}
	if info.IsDir() {
		return SourceDirectory
	}
	if info.Mode().IsRegular() {
		return SourceFile
	}
	return SourceMissing
}

// Files returns the artifact paths under source. A file source yields
// exactly that path with no extension filtering. A directory source yields
// every file found by recursive descent whose name ends with the extension,
// compared case-insensitively, in walk order. Anything else yields nothing.
//
// The sequence is lazy and can be ranged over more than once; each range
// walks the tree again. Unreadable subdirectories are logged and skipped.
func (d *Discoverer) Files(source string) iter.Seq[string] {
	return func(yield func(string) bool) {
		d.files(d.Classify(source), source, yield)
	}
}

// Scan classifies source once and returns its kind together with the
// sequence Files would produce for it. A missing source is not logged; the
// caller decides how to report it.
func (d *Discoverer) Scan(source string) (SourceKind, iter.Seq[string]) {
	kind := d.Classify(source)
	return kind, func(yield func(string) bool) {
		d.files(kind, source, yield)
	}
}

func (d *Discoverer) files(kind SourceKind, source string, yield func(string) bool) {
	switch kind {
	case SourceFile:
		yield(source)
	case SourceDirectory:
		d.walk(source, yield)
	}
}

func (d *Discoverer) walk(root string, yield func(string) bool) {
	ext := strings.ToLower(d.Extension)

	err := afero.Walk(d.Fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			d.Logger.Warn("skipping unreadable path", "path", path, "error", err)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(info.Name()), ext) {
			return nil
		}
		if !yield(path) {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipAll) && !errors.Is(err, filepath.SkipDir) {
		d.Logger.Warn("directory walk stopped", "source", root, "error", err)
	}
}
