package mcp

import "github.com/mark3labs/mcp-go/mcp"

var adviseToolDef = mcp.NewTool("advisory_advise",
	mcp.WithDescription(
		"Ask for advice before running a tool. Returns at most a few short advisories ranked by relevance, "+
			"quality and source trust, or a silent no-op. Never fails: bad input or a blown latency budget is silence.",
	),
	mcp.WithString("session_id", mcp.Required(), mcp.Description("Agent session identifier")),
	mcp.WithString("tool", mcp.Required(), mcp.Description("Tool about to run (e.g. Read, Edit, Bash)")),
	mcp.WithString("phase", mcp.Description("exploration or execution (inferred from the tool when empty)")),
	mcp.WithString("intent", mcp.Description("Free-text description of what the call is for")),
	mcp.WithArray("file_hints", mcp.WithStringItems(), mcp.Description("Files the call touches")),
	mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Extra context tags")),
)

var feedbackToolDef = mcp.NewTool("advisory_feedback",
	mcp.WithDescription("Report what happened after an advisory was shown. Adjusts source trust and packet effectiveness."),
	mcp.WithString("trace_id", mcp.Required(), mcp.Description("trace_id returned by advisory_advise")),
	mcp.WithString("result", mcp.Required(),
		mcp.Enum("helpful", "unhelpful", "ignored", "followed"),
		mcp.Description("Observed outcome"),
	),
)

var invalidateToolDef = mcp.NewTool("advisory_invalidate",
	mcp.WithDescription("Drop cached advisory packets that mention a file, after the file changed."),
	mcp.WithString("file", mcp.Required(), mcp.Description("Changed file path (relative or absolute)")),
)

var trustToolDef = mcp.NewTool("advisory_trust",
	mcp.WithDescription("Show the learned trust multiplier of every advice source."),
	mcp.WithBoolean("reset", mcp.Description("Forget learned trust first; every source returns to the initial value")),
)

var purgeToolDef = mcp.NewTool("advisory_purge",
	mcp.WithDescription("Delete expired advisory packets and, optionally, old emission events."),
	mcp.WithNumber("older_than_days", mcp.Description("Also delete events older than N days")),
	mcp.WithBoolean("all_packets", mcp.Description("Clear every packet, not only expired ones")),
)

var packetListToolDef = mcp.NewTool("packet_list",
	mcp.WithDescription("List live advisory packets, most effective first."),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Items to skip")),
)

var eventExportToolDef = mcp.NewTool("event_export",
	mcp.WithDescription("Export the emission event log to a JSONL file in ~/.nudge/exports or an allowed path."),
	mcp.WithString("path", mcp.Description("Destination .jsonl path (default: generated under ~/.nudge/exports)")),
	mcp.WithString("session_id", mcp.Description("Only events of this session")),
	mcp.WithString("since", mcp.Description("Only events at or after this RFC 3339 time")),
)

var candidateImportToolDef = mcp.NewTool("candidate_import",
	mcp.WithDescription("Import advice candidates from a JSONL file into the local insight feed."),
	mcp.WithString("path", mcp.Required(), mcp.Description("Source .jsonl path")),
	mcp.WithString("mode",
		mcp.Enum("error", "replace", "skip"),
		mcp.Description("On existing candidates: error aborts the import (default), replace overwrites, skip keeps"),
	),
	mcp.WithString("source", mcp.Description("Source for records without one (default insight)")),
)
