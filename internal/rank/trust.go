package rank

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/db"
)

// TrustTable holds the per-source trust multiplier. Values move by at most
// MaxDelta per update and never leave [Floor, Ceiling].
type TrustTable struct {
	cfg config.TrustConfig
	db  *sql.DB // optional persistence

	mu     sync.RWMutex
	values map[advice.Source]float64
}

// NewTrustTable creates a table. database may be nil for an in-memory table.
func NewTrustTable(cfg config.TrustConfig, database *sql.DB) *TrustTable {
	if cfg.Ceiling <= 0 || cfg.Ceiling > 1 {
		cfg.Ceiling = 1
	}
	if cfg.Floor < 0 || cfg.Floor > cfg.Ceiling {
		cfg.Floor = 0
	}
	if cfg.MaxDelta <= 0 {
		cfg.MaxDelta = 0.05
	}
	cfg.Initial = clamp(cfg.Initial, cfg.Floor, cfg.Ceiling)
	return &TrustTable{cfg: cfg, db: database, values: make(map[advice.Source]float64)}
}

// Load reads persisted trust values, clamping any out-of-bounds row.
func (t *TrustTable) Load(ctx context.Context) error {
	if t.db == nil {
		return nil
	}
	stored, err := db.LoadTrust(ctx, t.db)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for src, v := range stored {
		t.values[src] = clamp(v, t.cfg.Floor, t.cfg.Ceiling)
	}
	return nil
}

// Get returns the trust of a source, or the initial value when unseen.
func (t *TrustTable) Get(src advice.Source) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, ok := t.values[src]; ok {
		return v
	}
	return t.cfg.Initial
}

// Update nudges the trust of src by signal in [-1,1] and persists it.
// Returns the new value.
func (t *TrustTable) Update(ctx context.Context, src advice.Source, signal float64) (float64, error) {
	return t.Revise(ctx, src, 0, signal)
}

// Revise replaces an update already applied for prev with one for signal,
// leaving src where a single update for signal would have.
func (t *TrustTable) Revise(ctx context.Context, src advice.Source, prev, signal float64) (float64, error) {
	t.mu.Lock()
	cur, ok := t.values[src]
	if !ok {
		cur = t.cfg.Initial
	}
	next := clamp(cur+t.step(signal)-t.step(prev), t.cfg.Floor, t.cfg.Ceiling)
	t.values[src] = next
	t.mu.Unlock()

	if t.db != nil {
		if err := db.SaveTrust(ctx, t.db, src, next, time.Now().Unix()); err != nil {
			return next, err
		}
	}
	return next, nil
}

// step is the move one signal makes, capped at MaxDelta.
func (t *TrustTable) step(signal float64) float64 {
	delta := t.cfg.Rate * math.Max(-1, math.Min(1, signal))
	return math.Max(-t.cfg.MaxDelta, math.Min(t.cfg.MaxDelta, delta))
}

// Reset drops every learned value (and persisted rows).
func (t *TrustTable) Reset(ctx context.Context) error {
	t.mu.Lock()
	t.values = make(map[advice.Source]float64)
	t.mu.Unlock()
	if t.db != nil {
		return db.DeleteTrust(ctx, t.db)
	}
	return nil
}

// SourceTrust is one row of a trust snapshot.
type SourceTrust struct {
	Source  advice.Source `json:"source"`
	Trust   float64       `json:"trust"`
	Learned bool          `json:"learned"`
}

// Snapshot lists the trust of every known source, in source order.
func (t *TrustTable) Snapshot() []SourceTrust {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[advice.Source]bool)
	var out []SourceTrust
	for _, src := range advice.KnownSources {
		v, ok := t.values[src]
		if !ok {
			v = t.cfg.Initial
		}
		out = append(out, SourceTrust{Source: src, Trust: v, Learned: ok})
		seen[src] = true
	}
	var extra []advice.Source
	for src := range t.values {
		if !seen[src] {
			extra = append(extra, src)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, src := range extra {
		out = append(out, SourceTrust{Source: src, Trust: t.values[src], Learned: true})
	}
	return out
}

// Bounds returns the configured floor and ceiling.
func (t *TrustTable) Bounds() (floor, ceiling float64) {
	return t.cfg.Floor, t.cfg.Ceiling
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
