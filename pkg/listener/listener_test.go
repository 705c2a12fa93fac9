package listener

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestListenerHandlesInputs(t *testing.T) {
	in := make(chan int)
	var sum atomic.Int64
	stopped := make(chan struct{})

	l := New("test", in, func(_ context.Context, v int) error {
		if v < 0 {
			return errors.New("negative")
		}
		sum.Add(int64(v))
		return nil
	}, nil, func() { close(stopped) })

	var job Job = l
	job.Start(context.Background())
	for _, v := range []int{1, 2, -1, 3} {
		in <- v
	}

	require.Eventually(t, func() bool { return l.Handled() == 3 && l.Failed() == 1 }, time.Second, time.Millisecond)
	require.EqualValues(t, 6, sum.Load())

	job.Stop()
	job.Stop()
	select {
	case <-stopped:
	default:
		t.Fatal("stop handler was not called")
	}
}

func TestListenerStopCancelsHandler(t *testing.T) {
	in := make(chan struct{}, 1)
	entered := make(chan struct{})
	l := New("blocking", in, func(ctx context.Context, _ struct{}) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	l.Start(context.Background())
	in <- struct{}{}
	<-entered

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not cancel the handler")
	}
}

func TestListenerStopsOnClosedChannel(t *testing.T) {
	in := make(chan int)
	l := New("closed", in, func(context.Context, int) error { return nil }, nil)
	l.Start(context.Background())
	close(in)
	l.Stop()
}
