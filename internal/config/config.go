package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Weights are the additive ranking weights. They are normalized to sum to 1
// when the ranking engine is built.
type Weights struct {
	Relevance float64 `json:"relevance,omitempty"`
	Quality   float64 `json:"quality,omitempty"`
	Trust     float64 `json:"trust,omitempty"`
}

// Thresholds are the ascending rank_score cut-offs for authority tiers.
// A score below Whisper resolves to SILENT.
type Thresholds struct {
	Whisper float64 `json:"whisper,omitempty"`
	Note    float64 `json:"note,omitempty"`
	Warning float64 `json:"warning,omitempty"`
	Block   float64 `json:"block,omitempty"`
}

// TrustConfig bounds the per-source trust multiplier.
type TrustConfig struct {
	Floor    float64 `json:"floor,omitempty"`
	Ceiling  float64 `json:"ceiling,omitempty"`
	Initial  float64 `json:"initial,omitempty"`
	Rate     float64 `json:"rate,omitempty"`
	MaxDelta float64 `json:"max_delta,omitempty"`
}

// Config holds application configuration.
type Config struct {
	// MaxEmitPerCall caps the number of advisories emitted for one tool call.
	MaxEmitPerCall int `json:"max_emit_per_call,omitempty"`

	// ShownTTLSeconds is how long an emitted advice id stays ineligible.
	ShownTTLSeconds int `json:"shown_ttl_seconds,omitempty"`

	// ToolCooldownSeconds is the per-(session, tool) quiet period after an emission.
	// Keep this well below ShownTTLSeconds: a long cooldown silences every
	// candidate for that tool, not just repeats.
	ToolCooldownSeconds int `json:"tool_cooldown_seconds,omitempty"`

	// EnableWhispers lets WHISPER-tier advice through the gate.
	EnableWhispers bool `json:"enable_whispers,omitempty"`

	Weights    Weights     `json:"weights,omitempty"`
	Thresholds Thresholds  `json:"thresholds,omitempty"`
	Trust      TrustConfig `json:"trust,omitempty"`

	// IntentWeight and TagWeight split relevance between free-text intent
	// similarity and structured tag overlap. CategoryWeight covers the
	// category/tool-class affinity term.
	IntentWeight   float64 `json:"intent_weight,omitempty"`
	TagWeight      float64 `json:"tag_weight,omitempty"`
	CategoryWeight float64 `json:"category_weight,omitempty"`

	// DedupeThreshold is the statement similarity above which a lower-ranked
	// candidate is dropped as a near duplicate.
	DedupeThreshold float64 `json:"dedupe_threshold,omitempty"`

	// DecisionBudgetMs is the hard wall-clock budget of one advise call.
	DecisionBudgetMs int `json:"decision_budget_ms,omitempty"`
	// RankingBudgetMs bounds candidate scoring inside a decision.
	RankingBudgetMs int `json:"ranking_budget_ms,omitempty"`
	// SourceTimeoutMs bounds each candidate source adapter.
	SourceTimeoutMs int `json:"source_timeout_ms,omitempty"`
	// MaxCandidatesPerSource limits how many rows one adapter may return.
	MaxCandidatesPerSource int `json:"max_candidates_per_source,omitempty"`

	// PacketTTLSeconds is the lifetime of a cached advisory packet.
	PacketTTLSeconds int `json:"packet_ttl_seconds,omitempty"`
	// MaxPackets caps the packet index; lowest-effectiveness, oldest go first.
	MaxPackets int `json:"max_packets,omitempty"`
	// RelaxedMinSimilarity is the floor for relaxed (non-exact) packet matches.
	RelaxedMinSimilarity float64 `json:"relaxed_min_similarity,omitempty"`
	// RelaxedTopK is how many packets the relaxed lookup considers.
	RelaxedTopK int `json:"relaxed_top_k,omitempty"`
	// EffectivenessAlpha is the EWMA weight of a new packet outcome.
	EffectivenessAlpha float64 `json:"effectiveness_alpha,omitempty"`
	// DisableRelaxedLookup turns off similarity matching against the packet store.
	DisableRelaxedLookup bool `json:"disable_relaxed_lookup,omitempty"`

	// MaxSessions bounds the number of live session states kept in memory.
	MaxSessions int `json:"max_sessions,omitempty"`
	// SnapshotIntervalSeconds is the session snapshot flush interval (serve mode).
	SnapshotIntervalSeconds int `json:"snapshot_interval_seconds,omitempty"`

	// PrefetchPerSecond rate-limits the background packet prefetcher.
	PrefetchPerSecond float64 `json:"prefetch_per_second,omitempty"`
	// DisablePrefetch turns the prefetcher off.
	DisablePrefetch bool `json:"disable_prefetch,omitempty"`

	// PlaybookPaths are YAML playbook files read by the playbook source.
	PlaybookPaths []string `json:"playbook_paths,omitempty"`
	// FeedPaths are JSONL candidate feed files read by the feed source.
	FeedPaths []string `json:"feed_paths,omitempty"`
	// SourcePriority orders sources for tie-breaks, highest first.
	SourcePriority []string `json:"source_priority,omitempty"`

	// WatchIgnore lists path patterns the file watcher skips.
	WatchIgnore []string `json:"watch_ignore,omitempty"`

	// AllowedPaths is an allowlist of directories for import/export operations.
	// Paths outside ~/.nudge/exports require either being in this list or AllowUnsafePaths=true.
	// Paths should be absolute (relative paths are ignored).
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for import/export.
	// When true, any directory is allowed (but symlink and extension checks still apply).
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is locked" errors).
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes is a list of type names to disable entirely.
	// Known types: "advisory", "packet", "event", "candidate".
	DisabledTypes []string `json:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxEmitPerCall:      2,
		ShownTTLSeconds:     600,
		ToolCooldownSeconds: 15,
		Weights: Weights{
			Relevance: 0.5,
			Quality:   0.25,
			Trust:     0.25,
		},
		Thresholds: Thresholds{
			Whisper: 0.30,
			Note:    0.50,
			Warning: 0.70,
			Block:   0.90,
		},
		Trust: TrustConfig{
			Floor:    0.2,
			Ceiling:  1.0,
			Initial:  0.6,
			Rate:     0.1,
			MaxDelta: 0.05,
		},
		IntentWeight:            0.4,
		TagWeight:               0.4,
		CategoryWeight:          0.2,
		DedupeThreshold:         0.8,
		DecisionBudgetMs:        250,
		RankingBudgetMs:         120,
		SourceTimeoutMs:         80,
		MaxCandidatesPerSource:  200,
		PacketTTLSeconds:        900,
		MaxPackets:              256,
		RelaxedMinSimilarity:    0.6,
		RelaxedTopK:             5,
		EffectivenessAlpha:      0.3,
		MaxSessions:             512,
		SnapshotIntervalSeconds: 30,
		PrefetchPerSecond:       2,
		SourcePriority:          []string{"playbook", "insight", "feed"},
		WatchIgnore:             []string{".git", "node_modules", ".nudge", "vendor"},
	}
}

// DecisionBudget returns DecisionBudgetMs as a duration.
func (c *Config) DecisionBudget() time.Duration {
	return time.Duration(c.DecisionBudgetMs) * time.Millisecond
}

// RankingBudget returns RankingBudgetMs as a duration.
func (c *Config) RankingBudget() time.Duration {
	return time.Duration(c.RankingBudgetMs) * time.Millisecond
}

// SourceTimeout returns SourceTimeoutMs as a duration.
func (c *Config) SourceTimeout() time.Duration {
	return time.Duration(c.SourceTimeoutMs) * time.Millisecond
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.nudge.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.nudge) and repo (.nudge) directories.
// Repo config is found by walking upward from startDir to find the nearest .nudge/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repoConfigPath := FindRepoConfig(startDir)
	repo, err := loadFileRaw(repoConfigPath)
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .nudge/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	if startDir == "" {
		return ""
	}
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".nudge", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.MaxEmitPerCall = pickInt(overlay.MaxEmitPerCall, base.MaxEmitPerCall)
	result.ShownTTLSeconds = pickInt(overlay.ShownTTLSeconds, base.ShownTTLSeconds)
	result.ToolCooldownSeconds = pickInt(overlay.ToolCooldownSeconds, base.ToolCooldownSeconds)
	result.DecisionBudgetMs = pickInt(overlay.DecisionBudgetMs, base.DecisionBudgetMs)
	result.RankingBudgetMs = pickInt(overlay.RankingBudgetMs, base.RankingBudgetMs)
	result.SourceTimeoutMs = pickInt(overlay.SourceTimeoutMs, base.SourceTimeoutMs)
	result.MaxCandidatesPerSource = pickInt(overlay.MaxCandidatesPerSource, base.MaxCandidatesPerSource)
	result.PacketTTLSeconds = pickInt(overlay.PacketTTLSeconds, base.PacketTTLSeconds)
	result.MaxPackets = pickInt(overlay.MaxPackets, base.MaxPackets)
	result.RelaxedTopK = pickInt(overlay.RelaxedTopK, base.RelaxedTopK)
	result.MaxSessions = pickInt(overlay.MaxSessions, base.MaxSessions)
	result.SnapshotIntervalSeconds = pickInt(overlay.SnapshotIntervalSeconds, base.SnapshotIntervalSeconds)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	result.IntentWeight = pickFloat(overlay.IntentWeight, base.IntentWeight)
	result.TagWeight = pickFloat(overlay.TagWeight, base.TagWeight)
	result.CategoryWeight = pickFloat(overlay.CategoryWeight, base.CategoryWeight)
	result.DedupeThreshold = pickFloat(overlay.DedupeThreshold, base.DedupeThreshold)
	result.RelaxedMinSimilarity = pickFloat(overlay.RelaxedMinSimilarity, base.RelaxedMinSimilarity)
	result.EffectivenessAlpha = pickFloat(overlay.EffectivenessAlpha, base.EffectivenessAlpha)
	result.PrefetchPerSecond = pickFloat(overlay.PrefetchPerSecond, base.PrefetchPerSecond)

	result.Weights = Weights{
		Relevance: pickFloat(overlay.Weights.Relevance, base.Weights.Relevance),
		Quality:   pickFloat(overlay.Weights.Quality, base.Weights.Quality),
		Trust:     pickFloat(overlay.Weights.Trust, base.Weights.Trust),
	}
	result.Thresholds = Thresholds{
		Whisper: pickFloat(overlay.Thresholds.Whisper, base.Thresholds.Whisper),
		Note:    pickFloat(overlay.Thresholds.Note, base.Thresholds.Note),
		Warning: pickFloat(overlay.Thresholds.Warning, base.Thresholds.Warning),
		Block:   pickFloat(overlay.Thresholds.Block, base.Thresholds.Block),
	}
	result.Trust = TrustConfig{
		Floor:    pickFloat(overlay.Trust.Floor, base.Trust.Floor),
		Ceiling:  pickFloat(overlay.Trust.Ceiling, base.Trust.Ceiling),
		Initial:  pickFloat(overlay.Trust.Initial, base.Trust.Initial),
		Rate:     pickFloat(overlay.Trust.Rate, base.Trust.Rate),
		MaxDelta: pickFloat(overlay.Trust.MaxDelta, base.Trust.MaxDelta),
	}

	// Booleans: overlay wins if true, else base
	result.EnableWhispers = base.EnableWhispers || overlay.EnableWhispers
	result.DisableRelaxedLookup = base.DisableRelaxedLookup || overlay.DisableRelaxedLookup
	result.DisablePrefetch = base.DisablePrefetch || overlay.DisablePrefetch
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Source priority is an ordering, not a set: overlay replaces base wholesale.
	result.SourcePriority = mergeStringSlice(nil, base.SourcePriority)
	if len(overlay.SourcePriority) > 0 {
		result.SourcePriority = mergeStringSlice(nil, overlay.SourcePriority)
	}

	// Arrays: merge and deduplicate
	result.PlaybookPaths = mergeStringSlice(base.PlaybookPaths, overlay.PlaybookPaths)
	result.FeedPaths = mergeStringSlice(base.FeedPaths, overlay.FeedPaths)
	result.WatchIgnore = mergeStringSlice(base.WatchIgnore, overlay.WatchIgnore)
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickFloat(overlay, base float64) float64 {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
