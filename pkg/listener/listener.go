package listener

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received on in, one at a time, on
// a background goroutine. A failed handler is logged and the listener keeps
// going; the value is not retried by the listener itself.
type Listener[T any] struct {
	name        string
	handler     func(ctx context.Context, input T) error
	stopHandler func()
	logger      *slog.Logger

	in     <-chan T
	group  *errgroup.Group
	cancel context.CancelFunc
	once   sync.Once

	handled atomic.Uint64
	failed  atomic.Uint64
}

func New[T any](
	name string,
	in <-chan T,
	handler func(context.Context, T) error,
	logger *slog.Logger,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		logger:      logger.With("component", name),
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	var gctx context.Context
	ctx, l.cancel = context.WithCancel(ctx)
	l.group, gctx = errgroup.WithContext(ctx)

	l.group.Go(func() error {
		for {
			if stop := l.run(gctx); stop {
				return nil
			}
		}
	})
}

func (l *Listener[T]) run(ctx context.Context) bool {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return true
		}
		if err := l.handler(ctx, inp); err != nil {
			l.failed.Add(1)
			if ctx.Err() == nil {
				l.logger.Error("failed to handle input", "error", err)
			}
			return false
		}
		l.handled.Add(1)
	case <-ctx.Done():
		return true
	}

	return false
}

// Handled and Failed count handler outcomes.
func (l *Listener[T]) Handled() uint64 { return l.handled.Load() }
func (l *Listener[T]) Failed() uint64  { return l.failed.Load() }

// Stop cancels the running handler, waits for the goroutine and then calls
// the stop handler. It is safe to call more than once.
func (l *Listener[T]) Stop() {
	l.once.Do(func() {
		l.cancel()
		if l.group != nil {
			_ = l.group.Wait()
		}
		l.stopHandler()
	})
}
