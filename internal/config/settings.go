package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/spf13/afero"

	"github.com/jrepp/pfindex/pkg/artifact"
	"github.com/jrepp/pfindex/pkg/indexer"
)

// Settings is the optional HCL run settings file. Unset attributes keep
// their defaults.
//
// Example:
//
//	batch_size     = 50
//	commit_timeout = "2m"
//	workers        = 4
//	kind           = "prefetch"
//	extension      = ".pf"
//	spool_dir      = "/var/spool/pfindex"
//
//	retry {
//	  max_retries      = 3
//	  initial_interval = "1s"
//	  max_interval     = "30s"
//	}
type Settings struct {
	BatchSize     int            `hcl:"batch_size,optional"`
	CommitTimeout string         `hcl:"commit_timeout,optional"`
	Workers       int            `hcl:"workers,optional"`
	Kind          string         `hcl:"kind,optional"`
	Extension     string         `hcl:"extension,optional"`
	SpoolDir      string         `hcl:"spool_dir,optional"`
	Retry         *RetrySettings `hcl:"retry,block"`
}

// RetrySettings configures retries of failed bulk commits.
type RetrySettings struct {
	MaxRetries      int    `hcl:"max_retries,optional"`
	InitialInterval string `hcl:"initial_interval,optional"`
	MaxInterval     string `hcl:"max_interval,optional"`
}

// Run is the effective configuration of one indexing run.
type Run struct {
	Indexer   indexer.Config
	Extension string
	SpoolDir  string
}

// DefaultRun returns the built-in run configuration.
func DefaultRun() Run {
	return Run{
		Indexer:   indexer.DefaultConfig(),
		Extension: artifact.DefaultExtension,
	}
}

// Validate checks the run configuration.
func (r Run) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Indexer),
		validation.Field(&r.Extension, validation.Required, validation.By(func(v any) error {
			if !strings.HasPrefix(v.(string), ".") {
				return fmt.Errorf("must start with a dot")
			}
			return nil
		})),
	)
}

// LoadSettings decodes an HCL settings file. The file name must end in
// .hcl (or .json for the JSON variant of HCL).
func LoadSettings(fs afero.Fs, path string) (*Settings, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path is required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	src, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("configuration file not found: %w", err)
	}

	var s Settings
	if err := hclsimple.Decode(path, src, nil, &s); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}
	return &s, nil
}

// Apply overlays the attributes set in the file onto r. Every malformed
// duration is reported.
func (s *Settings) Apply(r *Run) error {
	var result *multierror.Error

	if s.BatchSize != 0 {
		r.Indexer.BatchSize = s.BatchSize
	}
	if s.Workers != 0 {
		r.Indexer.Workers = s.Workers
	}
	if s.Kind != "" {
		r.Indexer.Kind = s.Kind
	}
	if s.Extension != "" {
		r.Extension = s.Extension
	}
	if s.SpoolDir != "" {
		r.SpoolDir = s.SpoolDir
	}
	if err := applyDuration("commit_timeout", s.CommitTimeout, &r.Indexer.CommitTimeout); err != nil {
		result = multierror.Append(result, err)
	}

	if s.Retry != nil {
		r.Indexer.Retry.MaxRetries = s.Retry.MaxRetries
		if err := applyDuration("retry.initial_interval", s.Retry.InitialInterval, &r.Indexer.Retry.InitialInterval); err != nil {
			result = multierror.Append(result, err)
		}
		if err := applyDuration("retry.max_interval", s.Retry.MaxInterval, &r.Indexer.Retry.MaxInterval); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func applyDuration(name, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}
