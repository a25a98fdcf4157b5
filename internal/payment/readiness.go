package payment

import (
	"context"
	"errors"
	"time"
)

var ErrGatewayNotReady = errors.New("payment gateway did not become ready in time")

// Readiness is a cancellable wait for the gateway to report ready.
type Readiness struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// AwaitReady polls ready every interval until it returns true. The wait gives
// up with ErrGatewayNotReady after timeout, or with the context's error when
// ctx ends or Cancel is called.
func AwaitReady(ctx context.Context, ready func(context.Context) bool, interval, timeout time.Duration) *Readiness {
	ctx, cancel := context.WithCancel(ctx)
	r := &Readiness{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer close(r.done)
		defer cancel()

		if ready(ctx) {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()

		for {
			select {
			case <-ctx.Done():
				r.err = ctx.Err()
				return
			case <-deadline.C:
				r.err = ErrGatewayNotReady
				return
			case <-ticker.C:
				if ready(ctx) {
					return
				}
			}
		}
	}()
	return r
}

func (r *Readiness) Done() <-chan struct{} { return r.done }

// Err is valid once Done is closed.
func (r *Readiness) Err() error {
	<-r.done
	return r.err
}

func (r *Readiness) Cancel() { r.cancel() }

func (r *Readiness) Wait() error {
	return r.Err()
}
