// Package session tracks, per active agent session, which advice was recently
// shown and which tools are cooling down.
package session

import (
	"sync"
	"time"

	"github.com/hpungsan/nudge/internal/advice"
)

// SuppressionRecord marks an advice id as recently shown. It exists only
// while active; expiry is a wall-clock comparison.
type SuppressionRecord struct {
	AdviceID   string    `json:"advice_id"`
	ShownAt    time.Time `json:"shown_at"`
	TTLSeconds int       `json:"ttl_seconds"`
	Category   string    `json:"category,omitempty"`
}

// ExpiresAt is the first instant the advice is eligible again.
func (r SuppressionRecord) ExpiresAt() time.Time {
	return r.ShownAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}

// Active reports whether the record still suppresses at now.
func (r SuppressionRecord) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt())
}

// SignatureRecord marks a statement text as recently shown. It shares the
// TTL of the SuppressionRecord written alongside it.
type SignatureRecord struct {
	Signature  string    `json:"signature"`
	AdviceID   string    `json:"advice_id"`
	ShownAt    time.Time `json:"shown_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// Active reports whether the signature still suppresses at now.
func (r SignatureRecord) Active(now time.Time) bool {
	return now.Before(r.ShownAt.Add(time.Duration(r.TTLSeconds) * time.Second))
}

// ToolCooldown is the quiet period of one tool in one session.
type ToolCooldown struct {
	ToolName        string    `json:"tool_name"`
	LastEmittedAt   time.Time `json:"last_emitted_at"`
	CooldownSeconds int       `json:"cooldown_seconds"`
}

// Active reports whether the tool is still cooling down at now.
func (c ToolCooldown) Active(now time.Time) bool {
	return now.Before(c.LastEmittedAt.Add(time.Duration(c.CooldownSeconds) * time.Second))
}

// PendingAdvisory is the last advisory emitted in a session, kept until the
// next call so the pipeline can infer whether it was followed.
type PendingAdvisory struct {
	TraceID           string          `json:"trace_id"`
	Tool              string          `json:"tool"`
	Sources           []advice.Source `json:"sources,omitempty"`
	PacketFingerprint string          `json:"packet_fingerprint,omitempty"`
	// MentionedTools and MentionedFiles are what the advisory text names.
	MentionedTools []string  `json:"mentioned_tools,omitempty"`
	MentionedFiles []string  `json:"mentioned_files,omitempty"`
	EmittedAt      time.Time `json:"emitted_at"`
}

// State is the suppression state of one session. All methods except Lock
// and Unlock require the caller to hold the lock (see Store.With).
type State struct {
	mu sync.Mutex

	ID         string
	Shown      map[string]SuppressionRecord
	Signatures map[string]SignatureRecord
	Cooldowns  map[string]ToolCooldown
	Pending    *PendingAdvisory
	LastSeen   time.Time
}

// NewState creates an empty session state.
func NewState(id string) *State {
	return &State{
		ID:         id,
		Shown:      make(map[string]SuppressionRecord),
		Signatures: make(map[string]SignatureRecord),
		Cooldowns:  make(map[string]ToolCooldown),
	}
}

// Lock acquires the session lock.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the session lock.
func (s *State) Unlock() { s.mu.Unlock() }

// IsShown reports whether id has an active SuppressionRecord. An expired
// record is dropped on the way.
func (s *State) IsShown(id string, now time.Time) bool {
	rec, ok := s.Shown[id]
	if !ok {
		return false
	}
	if rec.Active(now) {
		return true
	}
	delete(s.Shown, id)
	return false
}

// ShownRecord returns the record for id if active.
func (s *State) ShownRecord(id string, now time.Time) (SuppressionRecord, bool) {
	if !s.IsShown(id, now) {
		return SuppressionRecord{}, false
	}
	return s.Shown[id], true
}

// SignatureSeen reports whether a statement signature is still suppressed.
func (s *State) SignatureSeen(sig string, now time.Time) bool {
	rec, ok := s.Signatures[sig]
	if !ok {
		return false
	}
	if rec.Active(now) {
		return true
	}
	delete(s.Signatures, sig)
	return false
}

// ToolCooling reports whether tool is on cooldown.
func (s *State) ToolCooling(tool string, now time.Time) bool {
	cd, ok := s.Cooldowns[tool]
	if !ok {
		return false
	}
	if cd.Active(now) {
		return true
	}
	delete(s.Cooldowns, tool)
	return false
}

// MarkShown records that an advice statement was emitted.
func (s *State) MarkShown(id, statement, category string, ttlSeconds int, now time.Time) {
	s.Shown[id] = SuppressionRecord{AdviceID: id, ShownAt: now, TTLSeconds: ttlSeconds, Category: category}
	sig := advice.Signature(statement)
	s.Signatures[sig] = SignatureRecord{Signature: sig, AdviceID: id, ShownAt: now, TTLSeconds: ttlSeconds}
}

// MarkToolEmitted starts the cooldown of tool.
func (s *State) MarkToolEmitted(tool string, cooldownSeconds int, now time.Time) {
	if cooldownSeconds <= 0 {
		return
	}
	s.Cooldowns[tool] = ToolCooldown{ToolName: tool, LastEmittedAt: now, CooldownSeconds: cooldownSeconds}
}

// TakePending returns and clears the pending advisory.
func (s *State) TakePending() *PendingAdvisory {
	p := s.Pending
	s.Pending = nil
	return p
}

// Purge drops every expired record.
func (s *State) Purge(now time.Time) {
	for id, rec := range s.Shown {
		if !rec.Active(now) {
			delete(s.Shown, id)
		}
	}
	for sig, rec := range s.Signatures {
		if !rec.Active(now) {
			delete(s.Signatures, sig)
		}
	}
	for tool, cd := range s.Cooldowns {
		if !cd.Active(now) {
			delete(s.Cooldowns, tool)
		}
	}
}

// Empty reports whether the state carries nothing worth keeping.
func (s *State) Empty() bool {
	return len(s.Shown) == 0 && len(s.Signatures) == 0 && len(s.Cooldowns) == 0 && s.Pending == nil
}
