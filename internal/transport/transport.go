// Package transport coordinates the lifecycle of the agent's
// long-running components (HTTP servers, channel manager, reconcile
// loop) using an errgroup.
package transport

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownTimeout is the maximum time allowed for graceful shutdown
// of each listener after the context is cancelled.
const shutdownTimeout = 15 * time.Second

// Listener defines a component that can be started and stopped as
// part of the agent lifecycle. Start should block until the component
// finishes or ctx is cancelled. Stop performs graceful shutdown
// within the provided context deadline.
type Listener interface {
	Start(context.Context) error
	Stop(context.Context) error
}

// ListenerFunc adapts a pair of functions into a Listener.
type ListenerFunc struct {
	StartFunc func(context.Context) error
	StopFunc  func(context.Context) error
}

func (l ListenerFunc) Start(ctx context.Context) error {
	return l.StartFunc(ctx)
}

func (l ListenerFunc) Stop(ctx context.Context) error {
	if l.StopFunc == nil {
		return nil
	}
	return l.StopFunc(ctx)
}

// Serve runs all listeners concurrently and coordinates graceful
// shutdown. All listeners are started first, then a single goroutine
// waits for the derived context to be done and calls Stop on every
// listener. This avoids calling Stop before Start has had a chance to
// run.
func Serve(ctx context.Context, lis ...Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	for _, li := range lis {
		eg.Go(func() error {
			return li.Start(egCtx)
		})
	}

	// A single goroutine waits for the derived context to be
	// cancelled (either parent ctx or a listener failure), then
	// stops all listeners sequentially. Each listener gets its own
	// timeout so that a slow listener cannot starve subsequent ones.
	eg.Go(func() error {
		<-egCtx.Done()

		var errs []error
		for _, li := range lis {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := li.Stop(stopCtx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		return errors.Join(errs...)
	})

	return eg.Wait()
}
