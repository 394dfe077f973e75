package data

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/vocab"
)

// batchAhead bounds how many assembled batches wait in the pipeline.
const batchAhead = 4

// Batcher streams fixed-size batches off a Source. Reading and batch
// assembly run on their own goroutines so preprocessing overlaps with the
// training step; a trailing partial group is dropped because the graph
// shapes are fixed to the full batch size.
type Batcher struct {
	out    chan *Batch
	eg     *errgroup.Group
	cancel context.CancelFunc
}

// NewBatcher starts the pipeline. The source is drained until io.EOF or
// the first error; cancelling ctx stops it early.
func NewBatcher(ctx context.Context, src Source, v *vocab.Vocab, cfg *config.Config) *Batcher {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)

	examples := make(chan *Example, cfg.BatchSize*batchAhead)
	out := make(chan *Batch, batchAhead)

	eg.Go(func() error {
		defer close(examples)
		for {
			ex, err := src.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case examples <- ex:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	eg.Go(func() error {
		defer close(out)
		group := make([]*Example, 0, cfg.BatchSize)
		for ex := range examples {
			group = append(group, ex)
			if len(group) < cfg.BatchSize {
				continue
			}
			b, err := NewBatch(group, v, cfg)
			if err != nil {
				return err
			}
			// The batch keeps the group slice, so start a fresh one.
			group = make([]*Example, 0, cfg.BatchSize)
			select {
			case out <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return &Batcher{out: out, eg: eg, cancel: cancel}
}

// Next returns the next batch, or io.EOF once the source is exhausted, or
// the first pipeline error.
func (b *Batcher) Next() (*Batch, error) {
	batch, ok := <-b.out
	if !ok {
		if err := b.eg.Wait(); err != nil && err != context.Canceled {
			return nil, err
		}
		return nil, io.EOF
	}
	return batch, nil
}

// Stop cancels the pipeline and waits for its goroutines.
func (b *Batcher) Stop() {
	b.cancel()
	for range b.out {
	}
	_ = b.eg.Wait()
}
