package history

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/lib/async"
)

// Writer queues history records onto a single worker so publishers never wait on storage.
type Writer struct {
	sink    Sink
	pool    *async.Pool
	logger  *zap.Logger
	dropped atomic.Int64
}

// NewWriter wraps sink with a bounded queue of the given depth.
func NewWriter(sink Sink, queue int, logger *zap.Logger) (*Writer, error) {
	if sink == nil {
		return nil, fmt.Errorf("history writer: sink required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{sink: sink, logger: logger}
	pool, err := async.NewPool(1, queue, async.WithErrorHandler(func(err error) {
		w.logger.Warn("history write failed", zap.Error(err))
	}))
	if err != nil {
		return nil, err
	}
	w.pool = pool
	return w, nil
}

// Record queues evt when it maps to a history record. Full queues drop the record.
func (w *Writer) Record(ctx context.Context, evt schema.Event) {
	rec, ok := FromEvent(evt)
	if !ok {
		return
	}
	err := w.pool.Submit(ctx, func(taskCtx context.Context) error {
		switch r := rec.(type) {
		case OrderRecord:
			return w.sink.RecordOrder(taskCtx, r)
		case TradeRecord:
			return w.sink.RecordTrade(taskCtx, r)
		}
		return nil
	})
	if err != nil {
		w.dropped.Add(1)
		w.logger.Warn("history record dropped", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

// Dropped returns how many records could not be queued.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Sink exposes the underlying store for reads.
func (w *Writer) Sink() Sink { return w.sink }

// Close drains queued writes and closes the sink.
func (w *Writer) Close(ctx context.Context) error {
	drainErr := w.pool.Shutdown(ctx)
	if err := w.sink.Close(); err != nil {
		return err
	}
	return drainErr
}
