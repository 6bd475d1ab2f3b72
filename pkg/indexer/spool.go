package indexer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/jrepp/pfindex/pkg/search"
)

// Spool keeps batches that could not be committed so they can be replayed
// with a bulk loader. Each batch becomes one NDJSON file of action and
// source line pairs.
type Spool struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// NewSpool writes spooled batches under dir. A nil fs uses the OS
// filesystem.
func NewSpool(fs afero.Fs, dir string) *Spool {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Spool{
		fs:  fs,
		dir: dir,
		now: time.Now,
	}
}

type spoolAction struct {
	Index struct {
		Index string `json:"_index"`
		ID    string `json:"_id"`
	} `json:"index"`
}

// Write stores actions and returns the file path.
func (s *Spool) Write(index string, actions []search.Action) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, a := range actions {
		var meta spoolAction
		meta.Index.Index = a.Index
		meta.Index.ID = a.ID
		if err := enc.Encode(meta); err != nil {
			return "", fmt.Errorf("failed to encode action %s: %w", a.ID, err)
		}
		if err := enc.Encode(a.Source); err != nil {
			return "", fmt.Errorf("failed to encode document %s: %w", a.ID, err)
		}
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s-%d.ndjson", index, s.now().UnixNano()))
	if err := afero.WriteFile(s.fs, path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write spool file: %w", err)
	}
	return path, nil
}
