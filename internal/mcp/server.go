package mcp

import (
	"database/sql"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/nudge/internal/advisor"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/packet"
	"github.com/hpungsan/nudge/internal/rank"
)

// KnownTypes lists all valid type names.
var KnownTypes = []string{"advisory", "packet", "event", "candidate"}

// Deps are the long-lived components the tool handlers share.
type Deps struct {
	DB       *sql.DB
	Config   *config.Config
	Pipeline *advisor.Pipeline
	Packets  *packet.Cache
	Trust    *rank.TrustTable
}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"advisory_advise": {
		def:     adviseToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAdvise },
	},
	"advisory_feedback": {
		def:     feedbackToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFeedback },
	},
	"advisory_invalidate": {
		def:     invalidateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleInvalidate },
	},
	"advisory_trust": {
		def:     trustToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleTrust },
	},
	"advisory_purge": {
		def:     purgeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePurge },
	},
	"packet_list": {
		def:     packetListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePacketList },
	},
	"event_export": {
		def:     eventExportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
	"candidate_import": {
		def:     candidateImportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleImport },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// ValidateDisabledTypes returns a list of unknown type names from the given list.
func ValidateDisabledTypes(names []string) []string {
	known := make(map[string]bool, len(KnownTypes))
	for _, t := range KnownTypes {
		known[t] = true
	}

	unknown := make([]string, 0)
	for _, name := range names {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool extracts the type name from a tool name.
// Tool names follow the pattern "type_action" (e.g., "packet_list" → "packet").
func GetTypeForTool(toolName string) string {
	if idx := strings.Index(toolName, "_"); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

// ExpandTypesToTools returns all tool names belonging to the given types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	tools := make([]string, 0)
	for name := range toolRegistry {
		if typeSet[GetTypeForTool(name)] {
			tools = append(tools, name)
		}
	}
	return tools
}

// NewServer creates a new MCP server with the advisory tools registered.
// Tools listed in cfg.DisabledTools or belonging to cfg.DisabledTypes
// are excluded from registration.
func NewServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"nudge",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(deps)

	// Build set of disabled tools: first expand types, then add individual tools
	disabled := make(map[string]bool)
	for _, tool := range ExpandTypesToTools(deps.Config.DisabledTypes) {
		disabled[tool] = true
	}
	for _, name := range deps.Config.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(deps Deps, version string) error {
	return server.ServeStdio(NewServer(deps, version))
}
