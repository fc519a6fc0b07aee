package trace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const writerBatchSize = 64

// WriteFailure describes trace records that could not be persisted.
type WriteFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// WriteFailureHandler receives asynchronous trace write failure signals.
type WriteFailureHandler func(WriteFailure)

var noopWriteFailureHandler = WriteFailureHandler(func(WriteFailure) {})

// WriterMetrics holds optional callbacks the Writer invokes at key points,
// used to wire the queue into OpenTelemetry counters without the trace
// package depending on the observability stack.
type WriterMetrics struct {
	OnEnqueue func()
	OnDrop    func()
	OnFlush   func(batchSize int, duration time.Duration)
}

// Diagnostics is a point-in-time snapshot of the writer queue.
type Diagnostics struct {
	QueueCapacity        int   `json:"queue_capacity"`
	QueueDepth           int   `json:"queue_depth"`
	EnqueueAcceptedTotal int64 `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal  int64 `json:"enqueue_dropped_total"`
	WriteDroppedTotal    int64 `json:"write_dropped_total"`
}

// Writer decouples trace persistence from the chain call path: Record is
// fire-and-forget relative to the caller's result, and Shutdown drains the
// queue so every accepted record reaches storage before exit.
type Writer struct {
	store Store
	queue chan *Trace
	wg    sync.WaitGroup

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	queueMu  sync.RWMutex

	writeFailureHandle atomic.Value // WriteFailureHandler
	metrics            atomic.Value // *WriterMetrics

	enqueueAcceptedTotal atomic.Int64
	enqueueDroppedTotal  atomic.Int64
	writeDroppedTotal    atomic.Int64
}

func NewWriter(store Store, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	writer := &Writer{
		store: store,
		queue: make(chan *Trace, bufferSize),
		done:  make(chan struct{}),
	}
	writer.writeFailureHandle.Store(noopWriteFailureHandler)
	writer.metrics.Store(&WriterMetrics{})
	return writer
}

// SetWriteFailureHandler replaces the callback used for dropped trace write signals.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = noopWriteFailureHandler
	}
	w.writeFailureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the writer pipeline.
func (w *Writer) SetMetrics(m *WriterMetrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) loadMetrics() *WriterMetrics {
	m, _ := w.metrics.Load().(*WriterMetrics)
	return m
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.markDone()

		for t := range w.queue {
			batch := make([]*Trace, 0, writerBatchSize)
			if t != nil {
				batch = append(batch, t)
			}
		drain:
			for len(batch) < writerBatchSize {
				select {
				case next, ok := <-w.queue:
					if !ok {
						w.flushBatch(context.Background(), batch)
						return
					}
					if next != nil {
						batch = append(batch, next)
					}
				default:
					break drain
				}
			}
			w.flushBatch(ctx, batch)
		}
	}()
}

// Record enqueues a trace for background persistence. It never blocks: when
// the queue is full the record is counted as dropped and the caller proceeds.
func (w *Writer) Record(t *Trace) bool {
	if w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- t:
		w.enqueueAcceptedTotal.Add(1)
		if m := w.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		if m := w.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

// Shutdown closes the queue and waits for the worker to flush everything
// already accepted, bounded by ctx.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

// Diagnostics returns current queue depth and drop counters.
func (w *Writer) Diagnostics() Diagnostics {
	if w == nil {
		return Diagnostics{}
	}
	return Diagnostics{
		QueueCapacity:        cap(w.queue),
		QueueDepth:           len(w.queue),
		EnqueueAcceptedTotal: w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:  w.enqueueDroppedTotal.Load(),
		WriteDroppedTotal:    w.writeDroppedTotal.Load(),
	}
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if w == nil || failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.writeDroppedTotal.Add(int64(failure.FailedCount))
	handler, ok := w.writeFailureHandle.Load().(WriteFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

func (w *Writer) flushBatch(ctx context.Context, batch []*Trace) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if m := w.loadMetrics(); m != nil && m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	if len(batch) == 1 {
		if err := w.store.WriteTrace(ctx, batch[0]); err != nil {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_trace",
				BatchSize:   1,
				FailedCount: 1,
				Err:         err,
			})
		}
		return
	}

	if err := w.store.WriteBatch(ctx, batch); err != nil {
		// Fall back to per-item writes so a batch-level failure does not drop
		// the whole batch.
		failedWrites := 0
		var fallbackErr error
		for _, trace := range batch {
			if traceErr := w.store.WriteTrace(ctx, trace); traceErr != nil {
				failedWrites++
				if fallbackErr == nil {
					fallbackErr = traceErr
				}
			}
		}
		if failedWrites > 0 {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_batch_fallback",
				BatchSize:   len(batch),
				FailedCount: failedWrites,
				Err:         errors.Join(err, fallbackErr),
			})
		}
	}
}
