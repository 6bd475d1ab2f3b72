package indexer

import (
	"context"
	"errors"
	"iter"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// Pipeline applies a sequence of commands to each discovered file.
type Pipeline struct {
	Commands []Command
	Logger   hclog.Logger

	// MaxParallel is the number of files processed concurrently. Values
	// below two process files one at a time on the caller's goroutine.
	MaxParallel int
}

// Process runs every command over path, stopping at the first failure.
// Failures are recorded on the returned context as a *ParseError.
func (p *Pipeline) Process(ctx context.Context, path string) *ArtifactContext {
	ac := NewArtifactContext(path)
	for _, cmd := range p.Commands {
		if err := cmd.Execute(ctx, ac); err != nil {
			var pe *ParseError
			if !errors.As(err, &pe) {
				err = &ParseError{Path: path, Err: err}
			}
			ac.Err = err
			p.log().Debug("command failed", "command", cmd.Name(), "path", path, "error", err)
			return ac
		}
	}
	return ac
}

func (p *Pipeline) log() hclog.Logger {
	if p.Logger == nil {
		return hclog.NewNullLogger()
	}
	return p.Logger
}

// Run processes every path and hands each result to emit on the calling
// goroutine, so emit never runs concurrently with itself. Run stops taking
// new paths when ctx is done or emit returns an error, and returns that
// error once in-flight files have finished.
func (p *Pipeline) Run(ctx context.Context, paths iter.Seq[string], emit func(*ArtifactContext) error) error {
	if p.MaxParallel < 2 {
		for path := range paths {
			if ctx.Err() != nil {
				return nil
			}
			if err := emit(p.Process(ctx, path)); err != nil {
				return err
			}
		}
		return nil
	}

	return p.runParallel(ctx, paths, emit)
}

func (p *Pipeline) runParallel(ctx context.Context, paths iter.Seq[string], emit func(*ArtifactContext) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.MaxParallel)

	results := make(chan *ArtifactContext, p.MaxParallel)
	go func() {
		defer close(results)
		for path := range paths {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				ac := p.Process(gctx, path)
				select {
				case results <- ac:
				case <-gctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	var emitErr error
	for ac := range results {
		if emitErr != nil {
			continue
		}
		if err := emit(ac); err != nil {
			emitErr = err
			cancel()
		}
	}
	return emitErr
}
