package indexer

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	DefaultBatchSize     = 25
	DefaultCommitTimeout = 60 * time.Second
	DefaultWorkers       = 1
	DefaultKind          = "prefetch"

	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval     = 30 * time.Second
)

// RetryPolicy bounds retries of bulk commits that fail at the transport
// level. Item-level rejections are never retried. Zero MaxRetries disables
// retrying.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config holds the tunables of a run.
type Config struct {
	// BatchSize is the number of buffered actions that triggers a commit.
	BatchSize int

	// CommitTimeout bounds each bulk request. A timeout is a transport
	// failure.
	CommitTimeout time.Duration

	// Workers is the number of files parsed concurrently.
	Workers int

	// Kind labels every document, e.g. "prefetch".
	Kind string

	Retry RetryPolicy
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:     DefaultBatchSize,
		CommitTimeout: DefaultCommitTimeout,
		Workers:       DefaultWorkers,
		Kind:          DefaultKind,
		Retry: RetryPolicy{
			InitialInterval: DefaultRetryInitialInterval,
			MaxInterval:     DefaultRetryMaxInterval,
		},
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.CommitTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.Kind, validation.Required),
		validation.Field(&c.Retry),
	)
}

// Validate checks the retry bounds.
func (r RetryPolicy) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRetries, validation.Min(0)),
		validation.Field(&r.InitialInterval, validation.When(r.MaxRetries > 0, validation.Required)),
		validation.Field(&r.MaxInterval, validation.When(r.MaxRetries > 0, validation.Required)),
	)
}
