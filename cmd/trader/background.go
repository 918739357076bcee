package main

import (
	"context"
	"sync"

	"github.com/yanun0323/logs"
)

// background runs workers that outlive the signal context, so they can flush
// after the supervisor has finished its final reconciliation. Resources
// registered with closeAfter are released only once every worker returned.
type background struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

func newBackground(parent context.Context) *background {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &background{ctx: ctx, cancel: cancel}
}

func (b *background) Go(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

// closeAfter registers fn to run after the workers stop. Closers run in
// reverse registration order.
func (b *background) closeAfter(name string, fn func() error) {
	b.closers = append(b.closers, closer{name: name, fn: fn})
}

// Stop cancels the workers, waits for them, then runs the closers.
func (b *background) Stop() {
	b.cancel()
	b.wg.Wait()
	for i := len(b.closers) - 1; i >= 0; i-- {
		c := b.closers[i]
		if err := c.fn(); err != nil {
			logs.Errorf("trader: close %s, err: %+v", c.name, err)
		}
	}
	b.closers = nil
}
