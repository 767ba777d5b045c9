package advice

import (
	"fmt"
	"strings"
	"time"
)

// Decision is the outcome of one advise call as recorded in the event log.
type Decision string

const (
	DecisionEmit     Decision = "emit"     // assembled from ranked candidates
	DecisionPacket   Decision = "packet"   // served from the packet cache
	DecisionSuppress Decision = "suppress" // candidates existed, none passed the gate
	DecisionNoop     Decision = "noop"     // nothing to consider (no candidates, invalid input, timeout)
)

// EmissionEvent is one append-only record per decision.
type EmissionEvent struct {
	TraceID           string    `json:"trace_id"`
	SessionID         string    `json:"session_id"`
	Tool              string    `json:"tool"`
	Decision          Decision  `json:"decision"`
	Authority         Authority `json:"authority"`
	ReasonCode        string    `json:"reason_code"`
	CandidateIDs      []string  `json:"candidate_ids"`
	Sources           []Source  `json:"sources,omitempty"`
	PacketFingerprint string    `json:"packet_fingerprint,omitempty"`
	Text              string    `json:"text,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Result is the observed outcome of an emitted advisory.
type Result string

const (
	ResultHelpful   Result = "helpful"
	ResultUnhelpful Result = "unhelpful"
	ResultIgnored   Result = "ignored"
	ResultFollowed  Result = "followed" // implicit: the next call acted on the advice
)

// ParseResult validates an outcome result.
func ParseResult(s string) (Result, error) {
	r := Result(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case ResultHelpful, ResultUnhelpful, ResultIgnored, ResultFollowed:
		return r, nil
	}
	return "", fmt.Errorf("unknown result %q (want helpful, unhelpful, ignored, followed)", s)
}

// Signal maps a result onto [-1,1] for trust updates.
func (r Result) Signal() float64 {
	switch r {
	case ResultHelpful, ResultFollowed:
		return 1
	case ResultUnhelpful:
		return -1
	case ResultIgnored:
		return -0.25
	}
	return 0
}

// Value maps a result onto [0,1] for packet effectiveness averaging.
func (r Result) Value() float64 {
	switch r {
	case ResultHelpful, ResultFollowed:
		return 1
	case ResultIgnored:
		return 0.3
	}
	return 0
}

// Outcome correlates a prior emission with what happened next.
type Outcome struct {
	TraceID   string    `json:"trace_id"`
	Tool      string    `json:"tool,omitempty"`
	Result    Result    `json:"result"`
	// Implicit outcomes are inferred from the session's next call; an
	// explicit report may replace one.
	Implicit  bool      `json:"implicit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
