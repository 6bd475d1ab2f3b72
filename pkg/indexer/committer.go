package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/jrepp/pfindex/pkg/search"
)

// Committer submits drained batches to the search engine as single bulk
// requests. Rejected items are logged and reported; only transport
// failures are returned as errors.
type Committer struct {
	provider search.Provider
	timeout  time.Duration
	retry    RetryPolicy
	spool    *Spool
	logger   hclog.Logger
}

// NewCommitter creates a committer. spool may be nil.
func NewCommitter(provider search.Provider, cfg Config, spool *Spool, logger hclog.Logger) *Committer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Committer{
		provider: provider,
		timeout:  cfg.CommitTimeout,
		retry:    cfg.Retry,
		spool:    spool,
		logger:   logger.Named("commit"),
	}
}

// Commit sends actions as one bulk operation. An empty slice is a no-op.
// The returned error wraps ErrCommitTransport; in that case the batch is
// lost unless a spool is configured.
func (c *Committer) Commit(ctx context.Context, actions []search.Action) (*search.BulkResult, error) {
	if len(actions) == 0 {
		return &search.BulkResult{}, nil
	}

	start := time.Now()
	attempts := 0
	var result *search.BulkResult

	op := func() error {
		attempts++
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		res, err := c.provider.Bulk(cctx, actions)
		if err != nil {
			if cctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("bulk request timed out after %s: %w", c.timeout, err)
			}
			return err
		}
		if res == nil {
			res = &search.BulkResult{Succeeded: len(actions)}
		}
		result = res
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("bulk commit failed, retrying",
			"count", len(actions),
			"attempt", attempts,
			"retry_in", next,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, c.backoff(ctx), notify); err != nil {
		c.logger.Error("bulk commit failed",
			"count", len(actions),
			"attempts", attempts,
			"error", err,
		)
		c.spoolBatch(actions)
		return nil, fmt.Errorf("%w: %d actions not committed: %w", ErrCommitTransport, len(actions), err)
	}

	for _, f := range result.Failed {
		c.logger.Error("index item failed",
			"index", f.Index,
			"id", f.ID,
			"status", f.Status,
			"error", f.Reason,
		)
	}
	if len(result.Failed) > 0 {
		c.logger.Error("bulk commit had item errors",
			"count", len(result.Failed),
			"succeeded", result.Succeeded,
		)
	}

	c.logger.Debug("bulk commit completed",
		"count", len(actions),
		"succeeded", result.Succeeded,
		"duration", time.Since(start),
	)
	return result, nil
}

func (c *Committer) backoff(ctx context.Context) backoff.BackOff {
	if c.retry.MaxRetries <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retry.MaxRetries)), ctx)
}

func (c *Committer) spoolBatch(actions []search.Action) {
	if c.spool == nil {
		return
	}
	path, err := c.spool.Write(actions[0].Index, actions)
	if err != nil {
		c.logger.Error("failed to spool uncommitted batch", "count", len(actions), "error", err)
		return
	}
	c.logger.Warn("spooled uncommitted batch", "path", path, "count", len(actions))
}
