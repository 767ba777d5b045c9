package packet

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/db"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/metrics"
)

// initialEffectiveness is the score of a packet with no feedback yet.
const initialEffectiveness = 0.5

// Options tune the cache.
type Options struct {
	TTL                  time.Duration
	MaxPackets           int
	RelaxedMinSimilarity float64
	RelaxedTopK          int
	Alpha                float64
	DisableRelaxed       bool
}

// OptionsFromConfig extracts cache options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TTL:                  time.Duration(cfg.PacketTTLSeconds) * time.Second,
		MaxPackets:           cfg.MaxPackets,
		RelaxedMinSimilarity: cfg.RelaxedMinSimilarity,
		RelaxedTopK:          cfg.RelaxedTopK,
		Alpha:                cfg.EffectivenessAlpha,
		DisableRelaxed:       cfg.DisableRelaxedLookup,
	}
}

// entry is the in-memory index row of a stored packet.
type entry struct {
	fingerprint   string
	tool          string
	phase         advice.Phase
	features      []string
	effectiveness float64
	createdAt     time.Time
	expiresAt     time.Time
}

// Summary is the listing view of a packet.
type Summary struct {
	Fingerprint   string    `json:"fingerprint"`
	Tool          string    `json:"tool"`
	Phase         string    `json:"phase"`
	FileHints     []string  `json:"file_hints,omitempty"`
	Effectiveness float64   `json:"effectiveness_score"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Cache is the packet store: sqlite rows plus an in-memory index used for
// expiry checks and relaxed matching.
type Cache struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	index map[string]*entry

	// rmw serializes read-modify-write of a packet row (Store carrying
	// feedback over, outcome folding) so concurrent feedback is not lost.
	rmw sync.Mutex
}

// New creates a cache over database and loads its index.
func New(ctx context.Context, database *sql.DB, opts Options, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.3
	}
	if opts.RelaxedTopK <= 0 {
		opts.RelaxedTopK = 5
	}
	c := &Cache{
		db:     database,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		index:  make(map[string]*entry),
	}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// SetClock replaces the time source (tests).
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Reload rebuilds the index from the database. Corrupt rows are dropped.
func (c *Cache) Reload(ctx context.Context) error {
	now := c.now()
	rows, err := db.ListPackets(ctx, c.db, now.Unix())
	if err != nil {
		return err
	}
	index := make(map[string]*entry, len(rows))
	for i := range rows {
		p, err := Decode(rows[i].Payload)
		if err != nil {
			c.dropCorrupt(ctx, rows[i].Fingerprint, err)
			continue
		}
		index[p.Fingerprint] = newEntry(p, rows[i].Effectiveness)
	}
	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
	return nil
}

func newEntry(p *Packet, effectiveness float64) *entry {
	return &entry{
		fingerprint:   p.Fingerprint,
		tool:          p.Tool,
		phase:         p.Phase,
		features:      p.Features,
		effectiveness: effectiveness,
		createdAt:     p.CreatedAt,
		expiresAt:     p.ExpiresAt(),
	}
}

// Len returns the number of indexed packets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// Has reports whether a live packet is indexed under fingerprint. It reads
// only the index.
func (c *Cache) Has(fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.index[fingerprint]
	return ok && c.now().Before(e.expiresAt)
}

// Lookup returns the live packet stored under fingerprint.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (*Packet, bool) {
	c.mu.RLock()
	e, ok := c.index[fingerprint]
	live := ok && c.now().Before(e.expiresAt)
	c.mu.RUnlock()
	if !live {
		metrics.RecordPacketLookup("miss")
		return nil, false
	}

	p, ok := c.load(ctx, fingerprint)
	if !ok {
		metrics.RecordPacketLookup("miss")
		return nil, false
	}
	metrics.RecordPacketLookup("hit")
	return p, true
}

// LookupRelaxed finds the best stored packet for a fingerprint that has no
// exact entry. Candidates share tool and phase; the top K by feature
// similarity are re-ranked by similarity weighted by effectiveness.
// Returns the packet and its similarity.
func (c *Cache) LookupRelaxed(ctx context.Context, fp advice.Fingerprint) (*Packet, float64, bool) {
	if c.opts.DisableRelaxed {
		return nil, 0, false
	}
	now := c.now()

	type scored struct {
		e   *entry
		sim float64
	}
	var matches []scored
	c.mu.RLock()
	for _, e := range c.index {
		if e.fingerprint == fp.Key || e.tool != fp.Tool || e.phase != fp.Phase || !now.Before(e.expiresAt) {
			continue
		}
		sim := advice.Jaccard(fp.Features, e.features)
		if sim >= c.opts.RelaxedMinSimilarity {
			matches = append(matches, scored{e: e, sim: sim})
		}
	}
	c.mu.RUnlock()
	if len(matches) == 0 {
		metrics.RecordPacketLookup("relaxed_miss")
		return nil, 0, false
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].sim != matches[j].sim {
			return matches[i].sim > matches[j].sim
		}
		return matches[i].e.fingerprint < matches[j].e.fingerprint
	})
	if len(matches) > c.opts.RelaxedTopK {
		matches = matches[:c.opts.RelaxedTopK]
	}
	best := matches[0]
	bestWeighted := weighted(best.sim, best.e.effectiveness)
	for _, m := range matches[1:] {
		if w := weighted(m.sim, m.e.effectiveness); w > bestWeighted {
			best, bestWeighted = m, w
		}
	}

	p, ok := c.load(ctx, best.e.fingerprint)
	if !ok {
		metrics.RecordPacketLookup("relaxed_miss")
		return nil, 0, false
	}
	metrics.RecordPacketLookup("relaxed_hit")
	return p, best.sim, true
}

// weighted scales similarity by effectiveness; an unproven packet keeps
// half its similarity.
func weighted(sim, effectiveness float64) float64 {
	return sim * (0.5 + 0.5*advice.Clamp01(effectiveness))
}

// load reads and decodes one packet. A corrupt payload is deleted and
// reported as a miss.
func (c *Cache) load(ctx context.Context, fingerprint string) (*Packet, bool) {
	row, err := db.GetPacket(ctx, c.db, fingerprint)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			c.forget(fingerprint)
		} else {
			c.logger.Warn("packet read failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		}
		return nil, false
	}
	p, err := Decode(row.Payload)
	if err != nil {
		metrics.RecordPacketLookup("corrupt")
		c.dropCorrupt(ctx, fingerprint, err)
		return nil, false
	}
	p.Effectiveness = row.Effectiveness
	return p, true
}

func (c *Cache) dropCorrupt(ctx context.Context, fingerprint string, cause error) {
	c.logger.Warn("dropping corrupt packet",
		zap.String("fingerprint", fingerprint),
		zap.Error(errors.NewCacheCorruption(fingerprint, cause)),
	)
	if err := db.DeletePacket(ctx, c.db, fingerprint); err != nil {
		c.logger.Warn("delete corrupt packet failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
	c.forget(fingerprint)
}

func (c *Cache) forget(fingerprint string) {
	c.mu.Lock()
	delete(c.index, fingerprint)
	c.mu.Unlock()
}

// Store writes p under its fingerprint with a fresh TTL. Feedback already
// gathered for the fingerprint carries over. Expired and excess packets are
// evicted afterwards.
func (c *Cache) Store(ctx context.Context, p *Packet) error {
	if p.Fingerprint == "" || p.Text == "" {
		return errors.NewInvalidRequest("packet requires fingerprint and advisory text")
	}
	now := c.now()

	c.rmw.Lock()
	defer c.rmw.Unlock()
	if prev, ok := c.load(ctx, p.Fingerprint); ok {
		p.Effectiveness = prev.Effectiveness
		p.HelpfulCount = prev.HelpfulCount
		p.UnhelpfulCount = prev.UnhelpfulCount
		p.IgnoredCount = prev.IgnoredCount
	} else if p.Effectiveness == 0 {
		p.Effectiveness = initialEffectiveness
	}
	p.CreatedAt = now
	p.TTLSeconds = int(c.opts.TTL / time.Second)

	if err := c.write(ctx, p); err != nil {
		return err
	}
	return c.evict(ctx)
}

func (c *Cache) write(ctx context.Context, p *Packet) error {
	payload, err := p.Encode()
	if err != nil {
		return errors.NewInternal(err)
	}
	row := &db.PacketRow{
		Fingerprint:   p.Fingerprint,
		Tool:          p.Tool,
		Phase:         string(p.Phase),
		FileHints:     p.FileHints,
		Payload:       payload,
		Effectiveness: p.Effectiveness,
		CreatedAt:     p.CreatedAt.Unix(),
		ExpiresAt:     p.ExpiresAt().Unix(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := db.UpsertPacket(ctx, c.db, row); err != nil {
		return err
	}
	c.index[p.Fingerprint] = newEntry(p, p.Effectiveness)
	return nil
}

// evict drops expired packets, then the lowest-effectiveness, oldest
// packets until the index fits MaxPackets.
func (c *Cache) evict(ctx context.Context) error {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []string
	var live []*entry
	for fp, e := range c.index {
		if !now.Before(e.expiresAt) {
			victims = append(victims, fp)
			continue
		}
		live = append(live, e)
	}
	if c.opts.MaxPackets > 0 && len(live) > c.opts.MaxPackets {
		sort.Slice(live, func(i, j int) bool {
			if live[i].effectiveness != live[j].effectiveness {
				return live[i].effectiveness < live[j].effectiveness
			}
			if !live[i].createdAt.Equal(live[j].createdAt) {
				return live[i].createdAt.Before(live[j].createdAt)
			}
			return live[i].fingerprint < live[j].fingerprint
		})
		for _, e := range live[:len(live)-c.opts.MaxPackets] {
			victims = append(victims, e.fingerprint)
		}
	}

	for _, fp := range victims {
		if err := db.DeletePacket(ctx, c.db, fp); err != nil {
			return err
		}
		delete(c.index, fp)
	}
	return nil
}

// Invalidate removes every packet that mentions file anywhere in its
// content, not just its indexed file hints. Returns the number removed.
func (c *Cache) Invalidate(ctx context.Context, file string) (int, error) {
	rows, err := db.ListPackets(ctx, c.db, 0)
	if err != nil {
		return 0, err
	}

	removed := 0
	for i := range rows {
		p, err := Decode(rows[i].Payload)
		if err != nil {
			c.dropCorrupt(ctx, rows[i].Fingerprint, err)
			continue
		}
		if !p.Mentions(file) {
			continue
		}
		c.mu.Lock()
		err = db.DeletePacket(ctx, c.db, p.Fingerprint)
		if err == nil {
			delete(c.index, p.Fingerprint)
		}
		c.mu.Unlock()
		if err != nil {
			return removed, err
		}
		removed++
	}
	metrics.RecordPacketInvalidations(removed)
	if removed > 0 {
		c.logger.Debug("packets invalidated", zap.String("file", file), zap.Int("count", removed))
	}
	return removed, nil
}

// RecordOutcome folds a feedback result into the packet's effectiveness
// (EWMA) and counters. Returns the new effectiveness.
func (c *Cache) RecordOutcome(ctx context.Context, fingerprint string, result advice.Result) (float64, error) {
	return c.foldOutcome(ctx, fingerprint, "", result)
}

// ReviseOutcome replaces an outcome already folded into the packet with
// result: the earlier contribution is swapped out rather than averaged in
// a second time.
func (c *Cache) ReviseOutcome(ctx context.Context, fingerprint string, prev, result advice.Result) (float64, error) {
	return c.foldOutcome(ctx, fingerprint, prev, result)
}

func (c *Cache) foldOutcome(ctx context.Context, fingerprint string, prev, result advice.Result) (float64, error) {
	c.rmw.Lock()
	defer c.rmw.Unlock()

	row, err := db.GetPacket(ctx, c.db, fingerprint)
	if err != nil {
		return 0, err
	}
	p, err := Decode(row.Payload)
	if err != nil {
		c.dropCorrupt(ctx, fingerprint, err)
		return 0, errors.NewCacheCorruption(fingerprint, err)
	}

	eff := (1-c.opts.Alpha)*row.Effectiveness + c.opts.Alpha*result.Value()
	if prev != "" {
		eff = row.Effectiveness + c.opts.Alpha*(result.Value()-prev.Value())
		p.tally(prev, -1)
	}
	p.Effectiveness = advice.Clamp01(eff)
	p.tally(result, 1)

	payload, err := p.Encode()
	if err != nil {
		return 0, errors.NewInternal(err)
	}

	// Expiry is unchanged: feedback never extends a packet's life. The
	// update only applies to a row that still exists, so a packet
	// invalidated since it was read stays gone.
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := db.UpdatePacketFeedback(ctx, c.db, fingerprint, p.Effectiveness, payload); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			delete(c.index, fingerprint)
		}
		return 0, err
	}
	if e, ok := c.index[fingerprint]; ok {
		e.effectiveness = p.Effectiveness
	}
	return p.Effectiveness, nil
}

// List returns summaries of live packets, most effective first.
func (c *Cache) List(ctx context.Context) ([]Summary, error) {
	rows, err := db.ListPackets(ctx, c.db, c.now().Unix())
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, Summary{
			Fingerprint:   r.Fingerprint,
			Tool:          r.Tool,
			Phase:         r.Phase,
			FileHints:     r.FileHints,
			Effectiveness: r.Effectiveness,
			CreatedAt:     time.Unix(r.CreatedAt, 0).UTC(),
			ExpiresAt:     time.Unix(r.ExpiresAt, 0).UTC(),
		})
	}
	return out, nil
}

// PurgeExpired deletes expired packets. Returns the number removed.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := db.DeleteExpiredPackets(ctx, c.db, now.Unix())
	if err != nil {
		return 0, err
	}
	for fp, e := range c.index {
		if !now.Before(e.expiresAt) {
			delete(c.index, fp)
		}
	}
	return int(n), nil
}

// Clear deletes every packet.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := db.DeleteAllPackets(ctx, c.db)
	if err != nil {
		return 0, err
	}
	c.index = make(map[string]*entry)
	return int(n), nil
}
