package advice

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Phase is the workflow phase of the agent.
type Phase string

const (
	PhaseExploration Phase = "exploration"
	PhaseExecution   Phase = "execution"
)

// ToolClass groups tool names by their effect on the workspace.
type ToolClass string

const (
	ClassPassive ToolClass = "passive" // reads and searches
	ClassMutate  ToolClass = "mutate"  // file edits and writes
	ClassExec    ToolClass = "exec"    // shell and sub-task execution
	ClassOther   ToolClass = "other"
)

var toolClasses = map[string]ToolClass{
	"read":         ClassPassive,
	"grep":         ClassPassive,
	"glob":         ClassPassive,
	"ls":           ClassPassive,
	"search":       ClassPassive,
	"webfetch":     ClassPassive,
	"websearch":    ClassPassive,
	"notebookread": ClassPassive,
	"edit":         ClassMutate,
	"multiedit":    ClassMutate,
	"write":        ClassMutate,
	"notebookedit": ClassMutate,
	"bash":         ClassExec,
	"shell":        ClassExec,
	"exec":         ClassExec,
	"task":         ClassExec,
}

// ClassifyTool returns the class of a tool name.
func ClassifyTool(tool string) ToolClass {
	if c, ok := toolClasses[strings.ToLower(strings.TrimSpace(tool))]; ok {
		return c
	}
	return ClassOther
}

// ToolContext is a live tool-call event as seen by the pipeline.
type ToolContext struct {
	SessionID string    `json:"session_id" validate:"required,max=128"`
	Tool      string    `json:"tool" validate:"required,max=64"`
	Phase     Phase     `json:"phase,omitempty" validate:"omitempty,oneof=exploration execution"`
	Intent    string    `json:"intent,omitempty" validate:"max=4000"`
	FileHints []string  `json:"file_hints,omitempty" validate:"max=64,dive,max=1024"`
	Tags      []string  `json:"tags,omitempty" validate:"max=64,dive,max=128"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

var contextValidate = validator.New()

// Validate checks the event shape.
func (c *ToolContext) Validate() error {
	return contextValidate.Struct(c)
}

// ResolvedPhase returns the declared phase, or infers one from the tool class.
func (c *ToolContext) ResolvedPhase() Phase {
	if c.Phase != "" {
		return c.Phase
	}
	switch ClassifyTool(c.Tool) {
	case ClassMutate, ClassExec:
		return PhaseExecution
	default:
		return PhaseExploration
	}
}

// ToolName returns the lowercased tool name.
func (c *ToolContext) ToolName() string {
	return strings.ToLower(strings.TrimSpace(c.Tool))
}

// DerivedTags returns the normalized context tags used for relevance:
// explicit tags plus tool, class, phase, file extension and path segments.
func (c *ToolContext) DerivedTags() []string {
	seen := make(map[string]bool)
	var tags []string
	add := func(t string) {
		t = Normalize(t)
		if t != "" && !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}

	for _, t := range c.Tags {
		add(t)
	}
	add("tool:" + c.ToolName())
	add("class:" + string(ClassifyTool(c.Tool)))
	add("phase:" + string(c.ResolvedPhase()))
	for _, hint := range c.FileHints {
		for _, t := range pathTags(hint) {
			add(t)
		}
	}
	return tags
}

// pathTags splits a file hint into its extension and path segments.
func pathTags(hint string) []string {
	hint = filepath.ToSlash(strings.TrimSpace(hint))
	if hint == "" {
		return nil
	}
	var out []string
	if ext := strings.TrimPrefix(filepath.Ext(hint), "."); ext != "" {
		out = append(out, "ext:"+ext)
	}
	for _, seg := range strings.Split(hint, "/") {
		seg = strings.TrimSuffix(seg, filepath.Ext(seg))
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		out = append(out, seg)
	}
	return out
}

// Fingerprint is the normalized identity of a tool context used as the
// packet cache key. Features feed relaxed matching.
type Fingerprint struct {
	Key      string   `json:"key"`
	Tool     string   `json:"tool"`
	Phase    Phase    `json:"phase"`
	Features []string `json:"features"`
}

// maxIntentFeatures bounds how much of the free-text intent enters a fingerprint.
const maxIntentFeatures = 8

// FingerprintOf computes the fingerprint of a context. It ignores the
// session id and timestamp so contexts repeat across sessions.
func FingerprintOf(c *ToolContext) Fingerprint {
	features := make(map[string]bool)
	for _, t := range c.Tags {
		if n := Normalize(t); n != "" {
			features[n] = true
		}
	}
	for _, hint := range c.FileHints {
		if n := Normalize(filepath.ToSlash(hint)); n != "" {
			features["file:"+n] = true
		}
		if ext := strings.TrimPrefix(filepath.Ext(hint), "."); ext != "" {
			features["ext:"+strings.ToLower(ext)] = true
		}
	}
	intent := Tokens(c.Intent)
	sort.Strings(intent)
	if len(intent) > maxIntentFeatures {
		intent = intent[:maxIntentFeatures]
	}
	for _, t := range intent {
		features["intent:"+t] = true
	}

	list := make([]string, 0, len(features))
	for f := range features {
		list = append(list, f)
	}
	sort.Strings(list)

	fp := Fingerprint{
		Tool:     c.ToolName(),
		Phase:    c.ResolvedPhase(),
		Features: list,
	}
	raw := fp.Tool + "|" + string(fp.Phase) + "|" + strings.Join(list, ",")
	sum := sha256.Sum256([]byte(raw))
	fp.Key = hex.EncodeToString(sum[:12])
	return fp
}

// FileFeatures returns the file paths recorded in a fingerprint's features.
func (f Fingerprint) FileFeatures() []string {
	var out []string
	for _, feat := range f.Features {
		if strings.HasPrefix(feat, "file:") {
			out = append(out, strings.TrimPrefix(feat, "file:"))
		}
	}
	return out
}
