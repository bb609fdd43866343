package engine

import (
	"context"
	"sync"

	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
	"github.com/Gopher0727/Cicero/internal/pkg/metrics"
)

// view is a live subscription delivering snapshots of type T. Only the latest
// undelivered snapshot is kept; a slow reader skips intermediate states but
// always sees the newest one.
//
// The feed subscription is acquired when the view starts and released
// unconditionally when its loop exits, whether by Close, by cancellation of
// the context the view was opened with, or by a terminal error.
type view[T any] struct {
	label string
	sub   *feed.Subscription
	out   chan T

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newView[T any](label string, sub *feed.Subscription) *view[T] {
	return &view[T]{
		label: label,
		sub:   sub,
		out:   make(chan T, 1),
		done:  make(chan struct{}),
	}
}

// start runs loop on its own goroutine.
func (v *view[T]) start(ctx context.Context, loop func(ctx context.Context)) {
	ctx, v.cancel = context.WithCancel(ctx)
	metrics.ActiveSubscriptions.WithLabelValues(v.label).Inc()
	go func() {
		defer close(v.done)
		defer close(v.out)
		defer metrics.ActiveSubscriptions.WithLabelValues(v.label).Dec()
		defer v.sub.Close()
		loop(ctx)
	}()
}

// emit must only be called from the loop goroutine.
func (v *view[T]) emit(s T) {
	select {
	case <-v.out:
	default:
	}
	v.out <- s
}

// Updates is closed once the view has stopped.
func (v *view[T]) Updates() <-chan T {
	return v.out
}

// Done is closed once the subscription has been released.
func (v *view[T]) Done() <-chan struct{} {
	return v.done
}

// Close releases the subscription and waits for the loop to exit. It is safe
// to call more than once.
func (v *view[T]) Close() error {
	v.closeOnce.Do(func() {
		v.cancel()
		<-v.done
	})
	return nil
}

// drain collects events already queued behind ev so that a burst of changes
// costs one refetch. ok is false when the subscription was closed.
func drain(events <-chan feed.Event, apply func(feed.Event)) (ok bool) {
	for {
		select {
		case ev, open := <-events:
			if !open {
				return false
			}
			apply(ev)
		default:
			return true
		}
	}
}

func subscriptionLost() error {
	return errs.New(errs.KindUnavailable, "live updates were interrupted")
}

// openErr keeps timeouts as they are and reports anything else as the feed
// being unavailable.
func openErr(err error) error {
	if errs.Is(err, errs.KindDeadlineExceeded) {
		return err
	}
	return errs.Wrap(errs.KindUnavailable, "failed to open live updates", err)
}
