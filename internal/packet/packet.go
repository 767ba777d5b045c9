// Package packet caches assembled advisories by context fingerprint so a
// repeated context can skip sourcing, ranking and gating.
package packet

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/hpungsan/nudge/internal/advice"
)

// Packet is a cached, pre-assembled advisory for one context fingerprint.
type Packet struct {
	Fingerprint  string           `json:"fingerprint"`
	Tool         string           `json:"tool"`
	Phase        advice.Phase     `json:"phase"`
	Features     []string         `json:"features,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	FileHints    []string         `json:"file_hints,omitempty"`
	Text         string           `json:"advisory_text"`
	Authority    advice.Authority `json:"authority"`
	CandidateIDs []string         `json:"candidate_ids"`
	Statements   []string         `json:"statements,omitempty"`
	Sources      []advice.Source  `json:"sources,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	TTLSeconds     int       `json:"ttl_seconds"`
	Effectiveness  float64   `json:"effectiveness_score"`
	HelpfulCount   int       `json:"helpful_count"`
	UnhelpfulCount int       `json:"unhelpful_count"`
	IgnoredCount   int       `json:"ignored_count"`
}

// ExpiresAt is when the packet stops being served.
func (p *Packet) ExpiresAt() time.Time {
	return p.CreatedAt.Add(time.Duration(p.TTLSeconds) * time.Second)
}

// Expired reports whether the packet is past its TTL at now.
func (p *Packet) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt())
}

// tally adds n to the counter result falls under.
func (p *Packet) tally(result advice.Result, n int) {
	switch result {
	case advice.ResultHelpful, advice.ResultFollowed:
		p.HelpfulCount = max(0, p.HelpfulCount+n)
	case advice.ResultUnhelpful:
		p.UnhelpfulCount = max(0, p.UnhelpfulCount+n)
	case advice.ResultIgnored:
		p.IgnoredCount = max(0, p.IgnoredCount+n)
	}
}

// Encode serializes the packet payload.
func (p *Packet) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses a packet payload. A payload without a fingerprint or
// advisory text is rejected as corrupt.
func Decode(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Fingerprint == "" {
		return nil, errMissingField("fingerprint")
	}
	if p.Text == "" {
		return nil, errMissingField("advisory_text")
	}
	return &p, nil
}

type errMissingField string

func (e errMissingField) Error() string { return "payload missing " + string(e) }

// Mentions reports whether anything in the packet refers to file: file
// hints, fingerprint features, tags, statements or the advisory text.
// Path comparisons accept either side being a suffix of the other so an
// absolute watcher path matches a repo-relative hint.
func (p *Packet) Mentions(file string) bool {
	target := normPath(file)
	if target == "" {
		return false
	}
	for _, h := range p.FileHints {
		if pathMatch(normPath(h), target) {
			return true
		}
	}
	for _, f := range p.Features {
		if strings.HasPrefix(f, "file:") && pathMatch(normPath(strings.TrimPrefix(f, "file:")), target) {
			return true
		}
	}

	needles := []string{target}
	if base := filepath.Base(target); base != target && filepath.Ext(base) != "" {
		needles = append(needles, base)
	}
	haystacks := append([]string{p.Text}, p.Statements...)
	haystacks = append(haystacks, p.Tags...)
	for _, hay := range haystacks {
		hay = strings.ToLower(filepath.ToSlash(hay))
		for _, n := range needles {
			if strings.Contains(hay, n) {
				return true
			}
		}
	}
	return false
}

func normPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return strings.ToLower(filepath.ToSlash(filepath.Clean(p)))
}

func pathMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	return strings.HasSuffix(a, "/"+b) || strings.HasSuffix(b, "/"+a)
}
