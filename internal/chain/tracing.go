package chain

import (
	"context"
	"time"

	"github.com/promptlab/promptlab/internal/trace"
)

// TraceSink receives the trace record produced for each intercepted call.
// Both the async trace writer and a plain synchronous store write satisfy
// this shape.
type TraceSink func(t *trace.Trace)

// Tracing returns the interceptor that gives every chain call its audit
// record: a unique id, wall-clock latency, and the full input/output pair,
// delivered to the sink whether the call succeeded or failed. One call, one
// record.
func Tracing(sink TraceSink) Interceptor {
	return func(ctx context.Context, input string, info Info, next Handler) (*Output, error) {
		start := time.Now()
		output, err := next(ctx, input)
		latency := time.Since(start)

		record := &trace.Trace{
			ID:        trace.NewID(),
			Chain:     info.ChainName,
			Input:     input,
			StartedAt: start.UTC(),
			LatencyMS: latency.Milliseconds(),
			Success:   err == nil,
		}
		if output != nil {
			record.Output = output.Raw
		}
		if err != nil {
			record.Error = err.Error()
		}
		sink(record)

		return output, err
	}
}
