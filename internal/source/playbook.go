package source

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hpungsan/nudge/internal/advice"
)

// PlaybookFile is the YAML document shape of a curated playbook.
//
//	rules:
//	  - statement: Run the migration dry-run before applying.
//	    confidence: 0.8
//	    validations: 4
//	    category: safety
//	    tags: [tool:bash, migrations]
type PlaybookFile struct {
	Rules []PlaybookRule `yaml:"rules"`
}

// PlaybookRule is one curated statement.
type PlaybookRule struct {
	Statement   string    `yaml:"statement"`
	Confidence  float64   `yaml:"confidence"`
	Validations int       `yaml:"validations"`
	Category    string    `yaml:"category"`
	Tags        []string  `yaml:"tags"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// Playbook serves curated rules from YAML files. Files are re-read only when
// their size or modification time changes.
type Playbook struct {
	paths []string

	mu    sync.Mutex
	files map[string]*loadedFile
}

// loadedFile caches the parsed candidates of one file.
type loadedFile struct {
	modTime    time.Time
	size       int64
	candidates []advice.Candidate
}

// NewPlaybook creates the YAML playbook adapter.
func NewPlaybook(paths []string) *Playbook {
	return &Playbook{paths: paths, files: make(map[string]*loadedFile)}
}

// Name implements Adapter.
func (p *Playbook) Name() advice.Source { return advice.SourcePlaybook }

// Fetch returns rules whose tags intersect the context.
func (p *Playbook) Fetch(ctx context.Context, tc *advice.ToolContext) ([]advice.Candidate, error) {
	all, err := loadAll(ctx, &p.mu, p.files, p.paths, parsePlaybook)
	if err != nil {
		return nil, err
	}
	return filterByTags(all, tc), nil
}

func parsePlaybook(path string, data []byte) ([]advice.Candidate, error) {
	var doc PlaybookFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse playbook %s: %w", path, err)
	}
	out := make([]advice.Candidate, 0, len(doc.Rules))
	for i, r := range doc.Rules {
		c := advice.Candidate{
			ID:             advice.NewCandidateID(advice.SourcePlaybook, r.Statement),
			Source:         advice.SourcePlaybook,
			Statement:      r.Statement,
			BaseConfidence: r.Confidence,
			Validations:    r.Validations,
			Category:       advice.Normalize(r.Category),
			CreatedAt:      r.CreatedAt,
		}
		for _, t := range r.Tags {
			if n := advice.Normalize(t); n != "" {
				c.ContextTags = append(c.ContextTags, n)
			}
		}
		if res := advice.Lint(&c); !res.Valid {
			return nil, fmt.Errorf("playbook %s rule %d: %v", path, i+1, res.Problems)
		}
		out = append(out, c)
	}
	return out, nil
}

type parseFunc func(path string, data []byte) ([]advice.Candidate, error)

// loadAll returns the candidates of every path, re-parsing stale files.
// A missing file contributes nothing.
func loadAll(ctx context.Context, mu *sync.Mutex, cache map[string]*loadedFile, paths []string, parse parseFunc) ([]advice.Candidate, error) {
	mu.Lock()
	defer mu.Unlock()

	var all []advice.Candidate
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			delete(cache, path)
			continue
		}
		if err != nil {
			return nil, err
		}

		lf, ok := cache[path]
		if !ok || !lf.modTime.Equal(info.ModTime()) || lf.size != info.Size() {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			cands, err := parse(path, data)
			if err != nil {
				return nil, err
			}
			lf = &loadedFile{modTime: info.ModTime(), size: info.Size(), candidates: cands}
			cache[path] = lf
		}
		all = append(all, lf.candidates...)
	}
	return all, nil
}

func filterByTags(all []advice.Candidate, tc *advice.ToolContext) []advice.Candidate {
	tags := tagSet(tc)
	var out []advice.Candidate
	for _, c := range all {
		if applies(c.ContextTags, tags) {
			out = append(out, c)
		}
	}
	return out
}
