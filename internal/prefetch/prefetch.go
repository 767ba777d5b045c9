// Package prefetch warms the packet store for the calls an agent is likely
// to make next. Requests arrive over a channel; results are written only
// through the packet store.
package prefetch

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/metrics"
	"github.com/hpungsan/nudge/internal/packet"
)

// DefaultQueueSize is the request buffer; requests beyond it are dropped.
const DefaultQueueSize = 64

// Assembler builds the packet a fresh session would be shown for a context.
type Assembler interface {
	Assemble(ctx context.Context, tc *advice.ToolContext) (*packet.Packet, bool)
}

// Store is the write side of the packet cache.
type Store interface {
	Has(fingerprint string) bool
	Store(ctx context.Context, p *packet.Packet) error
}

// nextTool maps a tool class to the tool usually called after it.
var nextTool = map[advice.ToolClass]string{
	advice.ClassPassive: "edit",
	advice.ClassMutate:  "bash",
	advice.ClassExec:    "read",
}

// Anticipate returns the contexts likely to follow tc: the same files and
// intent under the next tool in a read, edit, run cycle.
func Anticipate(tc *advice.ToolContext) []*advice.ToolContext {
	tool, ok := nextTool[advice.ClassifyTool(tc.Tool)]
	if !ok {
		return nil
	}
	next := &advice.ToolContext{
		SessionID: tc.SessionID,
		Tool:      tool,
		Intent:    tc.Intent,
		FileHints: append([]string(nil), tc.FileHints...),
		Tags:      append([]string(nil), tc.Tags...),
	}
	return []*advice.ToolContext{next}
}

// Worker consumes prefetch requests at a bounded rate.
type Worker struct {
	requests chan *advice.ToolContext
	limiter  *rate.Limiter
	asm      Assembler
	store    Store
	logger   *zap.Logger
}

// New creates a worker allowing perSecond assemblies (burst 1).
func New(asm Assembler, store Store, perSecond float64, queueSize int, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Worker{
		requests: make(chan *advice.ToolContext, queueSize),
		limiter:  rate.NewLimiter(limit, 1),
		asm:      asm,
		store:    store,
		logger:   logger,
	}
}

// Enqueue schedules prefetching for the successors of tc. It never blocks;
// returns false when the queue is full.
func (w *Worker) Enqueue(tc *advice.ToolContext) bool {
	select {
	case w.requests <- tc:
		return true
	default:
		metrics.RecordPrefetch("dropped")
		return false
	}
}

// Run processes requests until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tc := <-w.requests:
			for _, next := range Anticipate(tc) {
				if err := w.warm(ctx, next); err != nil {
					if ctx.Err() != nil {
						return
					}
					metrics.RecordPrefetch("error")
					w.logger.Debug("prefetch failed", zap.String("tool", next.Tool), zap.Error(err))
				}
			}
		}
	}
}

func (w *Worker) warm(ctx context.Context, tc *advice.ToolContext) error {
	fp := advice.FingerprintOf(tc)
	if w.store.Has(fp.Key) {
		metrics.RecordPrefetch("skipped")
		return nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	p, ok := w.asm.Assemble(ctx, tc)
	if !ok {
		metrics.RecordPrefetch("skipped")
		return nil
	}
	if err := w.store.Store(ctx, p); err != nil {
		return err
	}
	metrics.RecordPrefetch("stored")
	return nil
}
