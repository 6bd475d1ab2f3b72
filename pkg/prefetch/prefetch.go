// Package prefetch decodes Windows Prefetch (SCCA) files into search
// records. Formats 17 through 31 are supported, including the MAM
// compressed container used since Windows 10.
package prefetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/jrepp/pfindex/pkg/search"
)

// DefaultMaxSize bounds how much of a file is read before it is rejected.
const DefaultMaxSize = 16 << 20

// Parser reads prefetch files from a filesystem.
type Parser struct {
	fs      afero.Fs
	maxSize int64
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int64) ParserOption {
	return func(p *Parser) {
		p.maxSize = n
	}
}

// NewParser creates a parser over fs. A nil fs reads the OS filesystem.
func NewParser(fs afero.Fs, opts ...ParserOption) *Parser {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	p := &Parser{
		fs:      fs,
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse reads and decodes the file at path.
func (p *Parser) Parse(ctx context.Context, path string) (search.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := p.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open prefetch file: %w", err)
	}
	defer f.Close()

	return p.ParseReader(f)
}

// ParseReader decodes a prefetch file from r.
func (p *Parser) ParseReader(r io.Reader) (search.Record, error) {
	data, err := io.ReadAll(io.LimitReader(r, p.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read prefetch file: %w", err)
	}
	if int64(len(data)) > p.maxSize {
		return nil, fmt.Errorf("prefetch file exceeds %d bytes", p.maxSize)
	}

	if IsCompressed(data) {
		data, err = Decompress(data)
		if err != nil {
			return nil, err
		}
	}

	file, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return file.Record()
}

// Record converts the decoded file into a generic document. Numbers are
// kept as json.Number so identity hashing sees the same text the engine
// receives.
func (f *File) Record() (search.Record, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prefetch record: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var rec search.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode prefetch record: %w", err)
	}
	return rec, nil
}
