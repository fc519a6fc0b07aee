package chain

import "context"

// Handler is the underlying chain invocation an interceptor wraps.
type Handler func(ctx context.Context, input string) (*Output, error)

// Info carries chain metadata into interceptors.
type Info struct {
	ChainName string
}

// Interceptor wraps a chain call in the gRPC middleware style: it can
// inspect the input, call next, and inspect the result. Composing behavior
// this way keeps cross-cutting contracts like tracing visible at the call
// site instead of buried in each chain implementation.
type Interceptor func(ctx context.Context, input string, info Info, next Handler) (*Output, error)

type wrappedChain struct {
	inner   Chain
	handler Handler
}

// Wrap composes interceptors around a chain. The first interceptor is the
// outermost: it sees the call first and the result last.
func Wrap(c Chain, interceptors ...Interceptor) Chain {
	if len(interceptors) == 0 {
		return c
	}

	info := Info{ChainName: c.Name()}
	handler := Handler(c.Run)
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := handler
		handler = func(ctx context.Context, input string) (*Output, error) {
			return interceptor(ctx, input, info, next)
		}
	}

	return &wrappedChain{inner: c, handler: handler}
}

func (w *wrappedChain) Name() string {
	return w.inner.Name()
}

func (w *wrappedChain) Run(ctx context.Context, input string) (*Output, error) {
	return w.handler(ctx, input)
}
