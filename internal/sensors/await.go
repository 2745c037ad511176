package sensors

import "context"

// awaitCtx runs fn in its own goroutine and waits for it or ctx, whichever
// comes first. fn cannot be interrupted; if ctx wins, a successful result
// that arrives later is passed to late so it can be torn down.
func awaitCtx[T any](ctx context.Context, fn func() (T, error), late func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil && late != nil {
				late(res.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}
