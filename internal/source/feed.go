package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/hpungsan/nudge/internal/advice"
)

// Feed serves candidates from JSONL feed files, one CandidateRecord per line.
// Malformed lines are skipped so a partially written feed still serves.
type Feed struct {
	paths []string

	mu    sync.Mutex
	files map[string]*loadedFile
}

// NewFeed creates the JSONL feed adapter.
func NewFeed(paths []string) *Feed {
	return &Feed{paths: paths, files: make(map[string]*loadedFile)}
}

// Name implements Adapter.
func (f *Feed) Name() advice.Source { return advice.SourceFeed }

// Fetch returns feed candidates whose tags intersect the context.
func (f *Feed) Fetch(ctx context.Context, tc *advice.ToolContext) ([]advice.Candidate, error) {
	all, err := loadAll(ctx, &f.mu, f.files, f.paths, parseFeed)
	if err != nil {
		return nil, err
	}
	return filterByTags(all, tc), nil
}

func parseFeed(_ string, data []byte) ([]advice.Candidate, error) {
	var out []advice.Candidate
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec advice.CandidateRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.NudgeExport {
			continue
		}
		// Feed lines always belong to the feed source
		rec.Source = ""
		c := rec.ToCandidate(advice.SourceFeed)
		if !advice.Lint(&c).Valid {
			continue
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
