// Package advisor runs the advisory decision pipeline for one tool call:
// packet lookup, then sources, ranking, gate and emission on a miss, with
// feedback and session bookkeeping written back for the next call.
package advisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/emit"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/gate"
	"github.com/hpungsan/nudge/internal/metrics"
	"github.com/hpungsan/nudge/internal/packet"
	"github.com/hpungsan/nudge/internal/rank"
	"github.com/hpungsan/nudge/internal/session"
	"github.com/hpungsan/nudge/internal/source"
)

// Reason codes for decisions that never reached the gate.
const (
	ReasonInvalidContext = "invalid_context"
	ReasonTimeout        = "decision_timeout"
	ReasonCancelled      = "cancelled"
)

// bookkeepingTimeout bounds the work that outlives a caller who gave up.
const bookkeepingTimeout = 5 * time.Second

// Prefetcher accepts contexts to warm the packet store for.
type Prefetcher interface {
	Enqueue(tc *advice.ToolContext) bool
}

// Advisory is the synchronous answer to one tool call.
type Advisory struct {
	TraceID      string           `json:"trace_id,omitempty"`
	Decision     advice.Decision  `json:"decision"`
	Text         string           `json:"text,omitempty"`
	Authority    advice.Authority `json:"authority"`
	CandidateIDs []string         `json:"candidate_ids"`
	Reason       string           `json:"reason"`
	// Partial is set when a source failed or ranking ran out of budget.
	Partial           bool           `json:"partial,omitempty"`
	PacketFingerprint string         `json:"packet_fingerprint,omitempty"`
	Verdicts          []gate.Verdict `json:"verdicts,omitempty"`
}

// Emitted reports whether the advisory carries text for the caller.
func (a *Advisory) Emitted() bool {
	return a.Decision == advice.DecisionEmit || a.Decision == advice.DecisionPacket
}

func noop(reason string) *Advisory {
	return &Advisory{
		Decision:     advice.DecisionNoop,
		Authority:    advice.AuthoritySilent,
		CandidateIDs: []string{},
		Reason:       reason,
	}
}

// Deps are the collaborators of a pipeline. Packets and Prefetch are optional.
type Deps struct {
	Collector *source.Collector
	Engine    *rank.Engine
	Sessions  *session.Store
	Packets   *packet.Cache
	Composer  *emit.Composer
	Recorder  *emit.Recorder
	Prefetch  Prefetcher
	Logger    *zap.Logger
}

// Pipeline decides what, if anything, to say for each tool call.
type Pipeline struct {
	collector *source.Collector
	engine    *rank.Engine
	sessions  *session.Store
	packets   *packet.Cache
	composer  *emit.Composer
	recorder  *emit.Recorder
	prefetch  Prefetcher
	logger    *zap.Logger

	policy gate.Policy
	budget time.Duration
	now    func() time.Time

	wg sync.WaitGroup
}

// New creates a pipeline.
func New(cfg *config.Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	composer := deps.Composer
	if composer == nil {
		composer = emit.NewComposer(nil, logger)
	}
	return &Pipeline{
		collector: deps.Collector,
		engine:    deps.Engine,
		sessions:  deps.Sessions,
		packets:   deps.Packets,
		composer:  composer,
		recorder:  deps.Recorder,
		prefetch:  deps.Prefetch,
		logger:    logger,
		policy:    gate.PolicyFromConfig(cfg),
		budget:    cfg.DecisionBudget(),
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// SetPrefetcher attaches a prefetcher after construction; the worker needs
// the pipeline to exist first.
func (p *Pipeline) SetPrefetcher(pf Prefetcher) {
	p.prefetch = pf
}

// Wait blocks until background bookkeeping of earlier calls has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Advise runs one decision. It never fails: invalid input, a blown budget
// or a cancelled caller all yield a silent no-op. Work started for a caller
// who stopped waiting still completes in the background, but only advice
// the caller received counts against the session.
func (p *Pipeline) Advise(ctx context.Context, in *advice.ToolContext) *Advisory {
	start := p.now()
	if in == nil {
		return noop(ReasonInvalidContext)
	}
	if err := in.Validate(); err != nil {
		p.logger.Debug("invalid tool context", zap.Error(errors.NewInvalidContext(err.Error())))
		metrics.RecordDecision(string(advice.DecisionNoop), 0)
		return noop(ReasonInvalidContext)
	}
	tc := *in
	if tc.Timestamp.IsZero() {
		tc.Timestamp = start
	}

	// The injected clock may be fake; the budget is wall time.
	var deadline time.Time
	if p.budget > 0 {
		deadline = time.Now().Add(p.budget)
	}
	dl := newDelivery(deadline)

	done := make(chan *Advisory, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		work, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
		defer cancel()
		done <- p.decide(work, &tc, start, dl)
	}()
	if ctx.Err() != nil {
		return p.giveUp(dl, ReasonCancelled, start)
	}

	var budget <-chan time.Time
	if p.budget > 0 {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		budget = timer.C
	}

	select {
	case a := <-done:
		metrics.RecordDecision(string(a.Decision), time.Since(start))
		return a
	case <-budget:
		metrics.RecordBudgetExceeded()
		p.logger.Debug("decision budget exceeded", zap.String("session_id", tc.SessionID), zap.String("tool", tc.ToolName()))
		return p.giveUp(dl, ReasonTimeout, start)
	case <-ctx.Done():
		return p.giveUp(dl, ReasonCancelled, start)
	}
}

// giveUp answers a caller who stopped waiting: with the advisory decide had
// already committed to, if any, else a no-op.
func (p *Pipeline) giveUp(dl *delivery, reason string, start time.Time) *Advisory {
	a := dl.abandon(reason)
	if a == nil {
		a = noop(reason)
	}
	metrics.RecordDecision(string(a.Decision), time.Since(start))
	return a
}

// decide is the full decision plus its bookkeeping.
func (p *Pipeline) decide(ctx context.Context, tc *advice.ToolContext, now time.Time, dl *delivery) *Advisory {
	p.settlePending(ctx, tc, now)

	fp := advice.FingerprintOf(tc)
	if p.packets != nil {
		p.invalidateEdited(ctx, tc)
		if a, ok := p.fromPacket(ctx, tc, fp, now, dl); ok {
			p.enqueuePrefetch(tc)
			return a
		}
	}

	a := p.fromSources(ctx, tc, fp, now, dl)
	p.enqueuePrefetch(tc)
	return a
}

// settlePending turns the session's previous advisory into an implicit
// outcome judged against this call.
func (p *Pipeline) settlePending(ctx context.Context, tc *advice.ToolContext, now time.Time) {
	var pending *session.PendingAdvisory
	p.sessions.With(tc.SessionID, now, func(st *session.State) {
		pending = st.TakePending()
	})
	if pending == nil || p.recorder == nil {
		return
	}
	result := emit.ImplicitResult(pending, tc)
	if _, err := p.recorder.ApplyOutcome(ctx, advice.Outcome{
		TraceID:   pending.TraceID,
		Tool:      tc.ToolName(),
		Result:    result,
		Implicit:  true,
		Timestamp: now,
	}); err != nil {
		p.logger.Warn("implicit outcome not recorded",
			zap.String("trace_id", pending.TraceID),
			zap.String("session_id", tc.SessionID),
			zap.Error(err),
		)
	}
}

// invalidateEdited drops packets that mention a file this call is about to
// change.
func (p *Pipeline) invalidateEdited(ctx context.Context, tc *advice.ToolContext) {
	if advice.ClassifyTool(tc.Tool) != advice.ClassMutate {
		return
	}
	for _, hint := range tc.FileHints {
		if _, err := p.packets.Invalidate(ctx, hint); err != nil {
			p.logger.Warn("packet invalidation failed", zap.String("file", hint), zap.Error(err))
		}
	}
}

// fromPacket serves a cached packet when one matches and none of its
// advice is suppressed in the session. A suppressed packet falls through to
// a fresh decision so lower-ranked advice still gets its chance.
func (p *Pipeline) fromPacket(ctx context.Context, tc *advice.ToolContext, fp advice.Fingerprint, now time.Time, dl *delivery) (*Advisory, bool) {
	pk, ok := p.packets.Lookup(ctx, fp.Key)
	if !ok {
		pk, _, ok = p.packets.LookupRelaxed(ctx, fp)
	}
	if !ok {
		return nil, false
	}

	tool := tc.ToolName()
	a := &Advisory{
		TraceID:           emit.NewTraceID(now),
		Decision:          advice.DecisionPacket,
		Text:              pk.Text,
		Authority:         pk.Authority,
		CandidateIDs:      pk.CandidateIDs,
		Reason:            string(gate.ReasonEmitted),
		PacketFingerprint: pk.Fingerprint,
	}
	served, abandoned := false, false
	p.sessions.With(tc.SessionID, now, func(st *session.State) {
		if st.ToolCooling(tool, now) {
			return
		}
		for i, id := range pk.CandidateIDs {
			if st.IsShown(id, now) {
				return
			}
			if i < len(pk.Statements) && st.SignatureSeen(advice.Signature(pk.Statements[i]), now) {
				return
			}
		}
		if !dl.commit(a) {
			abandoned = true
			return
		}
		for i, id := range pk.CandidateIDs {
			stmt := ""
			if i < len(pk.Statements) {
				stmt = pk.Statements[i]
			}
			st.MarkShown(id, stmt, "", p.policy.ShownTTLSeconds, now)
		}
		st.MarkToolEmitted(tool, p.policy.ToolCooldownSeconds, now)
		st.Pending = &session.PendingAdvisory{
			TraceID:           a.TraceID,
			Tool:              tool,
			Sources:           pk.Sources,
			PacketFingerprint: pk.Fingerprint,
			MentionedTools:    emit.MentionedTools(pk.Statements),
			MentionedFiles:    emit.MentionedFiles(pk.Statements),
			EmittedAt:         now,
		}
		served = true
	})
	if abandoned {
		a = dl.settle(a)
		p.record(ctx, tc, a, nil, now)
		return a, true
	}
	if !served {
		return nil, false
	}

	a = dl.settle(a)
	p.record(ctx, tc, a, pk.Sources, now)
	return a, true
}

// fromSources runs sources, ranking and the gate. Accepted advice is
// committed with template text before the session is touched; synthesis
// then gets whatever is left of the caller's budget.
func (p *Pipeline) fromSources(ctx context.Context, tc *advice.ToolContext, fp advice.Fingerprint, now time.Time, dl *delivery) *Advisory {
	collected := p.collector.Collect(ctx, tc)
	ranking := p.engine.Rank(ctx, collected.Candidates, tc)

	tool := tc.ToolName()
	traceID := emit.NewTraceID(now)
	partial := ranking.Partial || len(collected.Failed) > 0
	var d gate.Decision
	p.sessions.With(tc.SessionID, now, func(st *session.State) {
		d = gate.Evaluate(ranking.Items, tc, st, p.policy, now)
		if len(d.Accepted) == 0 {
			return
		}
		if !dl.commit(&Advisory{
			TraceID:      traceID,
			Decision:     advice.DecisionEmit,
			Text:         emit.Template(d.Accepted),
			Authority:    d.Authority,
			CandidateIDs: idsOf(d.Accepted),
			Reason:       string(d.Reason),
			Partial:      partial,
			Verdicts:     d.Verdicts,
		}) {
			return
		}
		gate.Apply(st, tool, d.Accepted, p.policy, now)
		statements := emit.Statements(d.Accepted)
		st.Pending = &session.PendingAdvisory{
			TraceID:        traceID,
			Tool:           tool,
			Sources:        sourcesOf(d.Accepted),
			MentionedTools: emit.MentionedTools(statements),
			MentionedFiles: emit.MentionedFiles(statements),
			EmittedAt:      now,
		}
	})
	for _, v := range d.Verdicts {
		if v.Reason.Suppressed() {
			metrics.RecordSuppression(string(v.Reason))
		}
	}

	a := &Advisory{
		TraceID:      traceID,
		Authority:    d.Authority,
		CandidateIDs: idsOf(d.Accepted),
		Reason:       string(d.Reason),
		Partial:      partial,
		Verdicts:     d.Verdicts,
	}
	switch {
	case len(d.Accepted) > 0:
		a.Decision = advice.DecisionEmit
		a.Text = p.compose(ctx, dl, d.Accepted)
		// Cached even when the caller left: the next matching call gets
		// it without waiting on sources.
		p.storePacket(ctx, p.newPacket(tc, fp, d, a.Text))
	case len(ranking.Items) > 0:
		a.Decision = advice.DecisionSuppress
	default:
		a.Decision = advice.DecisionNoop
	}

	a = dl.settle(a)
	var sources []advice.Source
	if a.Emitted() {
		sources = sourcesOf(d.Accepted)
	}
	p.record(ctx, tc, a, sources, now)
	return a
}

// compose renders accepted items, giving the synthesizer no longer than the
// caller is willing to wait.
func (p *Pipeline) compose(ctx context.Context, dl *delivery, items []advice.RankedItem) string {
	if !dl.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dl.deadline)
		defer cancel()
	}
	text, _ := p.composer.Compose(ctx, items)
	return text
}

func (p *Pipeline) newPacket(tc *advice.ToolContext, fp advice.Fingerprint, d gate.Decision, text string) *packet.Packet {
	return &packet.Packet{
		Fingerprint:  fp.Key,
		Tool:         fp.Tool,
		Phase:        fp.Phase,
		Features:     fp.Features,
		Tags:         tc.Tags,
		FileHints:    tc.FileHints,
		Text:         text,
		Authority:    d.Authority,
		CandidateIDs: idsOf(d.Accepted),
		Statements:   emit.Statements(d.Accepted),
		Sources:      sourcesOf(d.Accepted),
	}
}

func (p *Pipeline) storePacket(ctx context.Context, pk *packet.Packet) {
	if p.packets == nil {
		return
	}
	if err := p.packets.Store(ctx, pk); err != nil {
		p.logger.Warn("packet store failed", zap.String("fingerprint", pk.Fingerprint), zap.Error(err))
	}
}

func (p *Pipeline) record(ctx context.Context, tc *advice.ToolContext, a *Advisory, sources []advice.Source, now time.Time) {
	if p.recorder == nil {
		return
	}
	err := p.recorder.Record(ctx, &advice.EmissionEvent{
		TraceID:           a.TraceID,
		SessionID:         tc.SessionID,
		Tool:              tc.ToolName(),
		Decision:          a.Decision,
		Authority:         a.Authority,
		ReasonCode:        a.Reason,
		CandidateIDs:      a.CandidateIDs,
		Sources:           sources,
		PacketFingerprint: a.PacketFingerprint,
		Text:              a.Text,
		Timestamp:         now,
	})
	if err != nil {
		p.logger.Warn("emission event not recorded",
			zap.String("trace_id", a.TraceID),
			zap.String("session_id", tc.SessionID),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) enqueuePrefetch(tc *advice.ToolContext) {
	if p.prefetch != nil {
		p.prefetch.Enqueue(tc)
	}
}

// Assemble builds a packet for tc against an empty session: what a fresh
// session would be shown. Nothing is recorded. Used to warm the packet
// store ahead of anticipated calls.
func (p *Pipeline) Assemble(ctx context.Context, tc *advice.ToolContext) (*packet.Packet, bool) {
	collected := p.collector.Collect(ctx, tc)
	ranking := p.engine.Rank(ctx, collected.Candidates, tc)
	d := gate.Evaluate(ranking.Items, tc, session.NewState(""), p.policy, p.now())
	if len(d.Accepted) == 0 || ctx.Err() != nil {
		return nil, false
	}
	text, _ := p.composer.Compose(ctx, d.Accepted)
	return p.newPacket(tc, advice.FingerprintOf(tc), d, text), true
}

// Feedback applies an explicit outcome for a trace.
func (p *Pipeline) Feedback(ctx context.Context, traceID string, result advice.Result) (*emit.FeedbackResult, error) {
	if p.recorder == nil {
		return nil, errors.NewInvalidRequest("feedback recording is disabled")
	}
	return p.recorder.ApplyOutcome(ctx, advice.Outcome{
		TraceID:   traceID,
		Result:    result,
		Timestamp: p.now(),
	})
}

// Invalidate drops every packet that mentions file.
func (p *Pipeline) Invalidate(ctx context.Context, file string) (int, error) {
	if p.packets == nil {
		return 0, nil
	}
	return p.packets.Invalidate(ctx, file)
}

func idsOf(items []advice.RankedItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func sourcesOf(items []advice.RankedItem) []advice.Source {
	var out []advice.Source
	seen := make(map[advice.Source]bool)
	for _, it := range items {
		if !seen[it.Source] {
			seen[it.Source] = true
			out = append(out, it.Source)
		}
	}
	return out
}
