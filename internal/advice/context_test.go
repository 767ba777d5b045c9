package advice

import (
	"strings"
	"testing"
)

func TestClassifyTool(t *testing.T) {
	tests := map[string]ToolClass{
		"Read":    ClassPassive,
		"grep":    ClassPassive,
		"Edit":    ClassMutate,
		"Write":   ClassMutate,
		"Bash":    ClassExec,
		"Unknown": ClassOther,
	}
	for tool, want := range tests {
		if got := ClassifyTool(tool); got != want {
			t.Errorf("ClassifyTool(%q) = %q, want %q", tool, got, want)
		}
	}
}

func TestToolContext_Validate(t *testing.T) {
	ok := &ToolContext{SessionID: "s1", Tool: "Edit"}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate(ok) = %v", err)
	}

	tests := []struct {
		name string
		ctx  ToolContext
	}{
		{name: "missing session", ctx: ToolContext{Tool: "Edit"}},
		{name: "missing tool", ctx: ToolContext{SessionID: "s1"}},
		{name: "bad phase", ctx: ToolContext{SessionID: "s1", Tool: "Edit", Phase: "dreaming"}},
		{name: "oversized tool", ctx: ToolContext{SessionID: "s1", Tool: strings.Repeat("x", 65)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.ctx.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestToolContext_ResolvedPhase(t *testing.T) {
	if p := (&ToolContext{Tool: "Read"}).ResolvedPhase(); p != PhaseExploration {
		t.Errorf("Read phase = %q", p)
	}
	if p := (&ToolContext{Tool: "Edit"}).ResolvedPhase(); p != PhaseExecution {
		t.Errorf("Edit phase = %q", p)
	}
	if p := (&ToolContext{Tool: "Edit", Phase: PhaseExploration}).ResolvedPhase(); p != PhaseExploration {
		t.Errorf("declared phase ignored: %q", p)
	}
}

func TestToolContext_DerivedTags(t *testing.T) {
	c := &ToolContext{Tool: "Edit", FileHints: []string{"src/auth.py"}, Tags: []string{"Security"}}
	tags := c.DerivedTags()
	want := []string{"security", "tool:edit", "class:mutate", "phase:execution", "ext:py", "src", "auth"}
	if len(tags) != len(want) {
		t.Fatalf("DerivedTags = %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tags[%d] = %q, want %q", i, tags[i], want[i])
		}
	}
}

func TestFingerprintOf_IgnoresSessionAndOrder(t *testing.T) {
	a := FingerprintOf(&ToolContext{SessionID: "s1", Tool: "Edit", Tags: []string{"b", "a"}, FileHints: []string{"src/auth.py"}})
	b := FingerprintOf(&ToolContext{SessionID: "s2", Tool: "edit", Tags: []string{"a", "b"}, FileHints: []string{"src/auth.py"}})
	if a.Key != b.Key {
		t.Errorf("fingerprints differ: %s vs %s", a.Key, b.Key)
	}

	c := FingerprintOf(&ToolContext{SessionID: "s1", Tool: "Read", Tags: []string{"a", "b"}, FileHints: []string{"src/auth.py"}})
	if a.Key == c.Key {
		t.Error("fingerprint ignores tool")
	}
}

func TestFingerprint_FileFeatures(t *testing.T) {
	fp := FingerprintOf(&ToolContext{Tool: "Edit", FileHints: []string{"src/auth.py", "README.md"}})
	files := fp.FileFeatures()
	if len(files) != 2 {
		t.Fatalf("FileFeatures = %v, want 2", files)
	}
}
