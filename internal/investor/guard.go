package investor

import (
	"context"
	"errors"
	"sync"

	"quantdesk/internal/notify"
)

// Flusher sends a notifier's queue at most once, whichever of the normal
// exit path, a panic or a signal gets there first.
type Flusher struct {
	n    notify.Notifier
	once sync.Once
	err  error
}

// NewFlusher wraps n.
func NewFlusher(n notify.Notifier) *Flusher {
	return &Flusher{n: n}
}

// Flush sends everything queued so far. Only the first call does anything;
// later calls return its error.
func (f *Flusher) Flush(ctx context.Context) error {
	f.once.Do(func() {
		f.err = f.n.SendAll(context.WithoutCancel(ctx))
	})
	return f.err
}

// Guard runs fn and flushes f afterwards, also when fn panics. A panic is
// re-raised once the flush has been attempted.
func Guard(ctx context.Context, f *Flusher, fn func() error) (err error) {
	defer func() {
		r := recover()
		ferr := f.Flush(ctx)
		if r != nil {
			panic(r)
		}
		err = errors.Join(err, ferr)
	}()
	return fn()
}
