// Package source adapts the external stores of learned knowledge into
// candidate streams for the ranking engine.
package source

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/metrics"
)

// Adapter is a read-only view into one candidate store.
type Adapter interface {
	Name() advice.Source
	Fetch(ctx context.Context, tc *advice.ToolContext) ([]advice.Candidate, error)
}

// Result is the merged output of one collection pass.
type Result struct {
	Candidates []advice.Candidate
	// Failed lists sources that errored or timed out and were skipped.
	Failed []advice.Source
}

// Collector fans a tool context out to every adapter in parallel.
type Collector struct {
	adapters     []Adapter
	timeout      time.Duration
	maxPerSource int
	logger       *zap.Logger
}

// NewCollector creates a collector. timeout bounds each adapter call;
// maxPerSource truncates oversized adapter results (0 = unlimited).
func NewCollector(adapters []Adapter, timeout time.Duration, maxPerSource int, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		adapters:     adapters,
		timeout:      timeout,
		maxPerSource: maxPerSource,
		logger:       logger,
	}
}

// Collect queries every adapter. A failing adapter is skipped and logged;
// Collect itself never fails. Candidates keep adapter order so the merge is
// deterministic.
func (c *Collector) Collect(ctx context.Context, tc *advice.ToolContext) Result {
	perSource := make([][]advice.Candidate, len(c.adapters))
	failed := make([]bool, len(c.adapters))

	g, gCtx := errgroup.WithContext(ctx)
	for i, a := range c.adapters {
		g.Go(func() error {
			fetchCtx := gCtx
			if c.timeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(gCtx, c.timeout)
				defer cancel()
			}

			cands, err := a.Fetch(fetchCtx, tc)
			if err == nil && fetchCtx.Err() != nil {
				err = fetchCtx.Err()
			}
			metrics.RecordSourceFetch(string(a.Name()), len(cands), err)
			if err != nil {
				failed[i] = true
				c.logger.Warn("source skipped",
					zap.String("source", string(a.Name())),
					zap.String("session_id", tc.SessionID),
					zap.Error(errors.NewSourceUnavailable(string(a.Name()), err)),
				)
				return nil // never propagate; one source must not cancel the others
			}
			if c.maxPerSource > 0 && len(cands) > c.maxPerSource {
				cands = cands[:c.maxPerSource]
			}
			perSource[i] = cands
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	seen := make(map[string]bool)
	for i, cands := range perSource {
		if failed[i] {
			res.Failed = append(res.Failed, c.adapters[i].Name())
			continue
		}
		for _, cand := range cands {
			if seen[cand.ID] {
				continue
			}
			seen[cand.ID] = true
			res.Candidates = append(res.Candidates, cand)
		}
	}
	return res
}

// applies reports whether a candidate's context tags intersect the context.
// Untagged candidates apply everywhere.
func applies(candTags []string, ctxTags map[string]bool) bool {
	if len(candTags) == 0 {
		return true
	}
	for _, t := range candTags {
		if ctxTags[t] {
			return true
		}
	}
	return false
}

func tagSet(tc *advice.ToolContext) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tc.DerivedTags() {
		set[t] = true
	}
	return set
}
