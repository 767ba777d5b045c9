package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/ops"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// Request types for each tool

// AdviseRequest represents the arguments for advisory_advise.
type AdviseRequest struct {
	SessionID string   `json:"session_id"`
	Tool      string   `json:"tool"`
	Phase     string   `json:"phase,omitempty"`
	Intent    string   `json:"intent,omitempty"`
	FileHints []string `json:"file_hints,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// PurgeRequest represents the arguments for advisory_purge.
type PurgeRequest struct {
	OlderThanDays *int `json:"older_than_days,omitempty"`
	AllPackets    bool `json:"all_packets,omitempty"`
}

// TrustRequest represents the arguments for advisory_trust.
type TrustRequest struct {
	Reset bool `json:"reset,omitempty"`
}

// ExportRequest represents the arguments for event_export.
type ExportRequest struct {
	Path      string `json:"path,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Since     string `json:"since,omitempty"`
}

// ImportRequest represents the arguments for candidate_import.
type ImportRequest struct {
	Path   string `json:"path"`
	Mode   string `json:"mode,omitempty"`
	Source string `json:"source,omitempty"`
}

// Handler implementations

// HandleAdvise handles the advisory_advise tool call. Malformed arguments
// get the same silent answer as any other invalid context.
func (h *Handlers) HandleAdvise(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AdviseRequest](req)
	var tc *advice.ToolContext
	if err == nil {
		tc = &advice.ToolContext{
			SessionID: input.SessionID,
			Tool:      input.Tool,
			Phase:     advice.Phase(input.Phase),
			Intent:    input.Intent,
			FileHints: input.FileHints,
			Tags:      input.Tags,
		}
	}
	return successResult(h.deps.Pipeline.Advise(ctx, tc))
}

// HandleFeedback handles the advisory_feedback tool call.
func (h *Handlers) HandleFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.FeedbackInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	out, err := ops.Feedback(ctx, h.deps.Pipeline, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(out)
}

// HandleInvalidate handles the advisory_invalidate tool call.
func (h *Handlers) HandleInvalidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.InvalidateInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	out, err := ops.Invalidate(ctx, h.deps.Pipeline, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(out)
}

// HandlePurge handles the advisory_purge tool call.
func (h *Handlers) HandlePurge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[PurgeRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	out, err := ops.Purge(ctx, h.deps.DB, h.deps.Packets, ops.PurgeInput{
		OlderThanDays: input.OlderThanDays,
		AllPackets:    input.AllPackets,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(out)
}

// HandleTrust handles the advisory_trust tool call.
func (h *Handlers) HandleTrust(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TrustRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	if !input.Reset {
		return successResult(ops.Trust(h.deps.Trust))
	}
	out, err := ops.ResetTrust(ctx, h.deps.Trust)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(out)
}

// HandlePacketList handles the packet_list tool call.
func (h *Handlers) HandlePacketList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.PacketsInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	out, err := ops.ListPackets(ctx, h.deps.Packets, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(out)
}

// HandleExport handles the event_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	var since time.Time
	if input.Since != "" {
		if since, err = time.Parse(time.RFC3339, input.Since); err != nil {
			return errorResult(errors.NewInvalidRequest("since must be an RFC 3339 time")), nil
		}
	}
	out, err := ops.Export(ctx, h.deps.DB, h.deps.Config, ops.ExportInput{
		Path:      input.Path,
		SessionID: input.SessionID,
		Since:     since,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(out)
}

// HandleImport handles the candidate_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	var src advice.Source
	if input.Source != "" {
		if src, err = advice.ParseSource(input.Source); err != nil {
			return errorResult(errors.NewInvalidRequest(err.Error())), nil
		}
	}
	out, err := ops.Import(ctx, h.deps.DB, h.deps.Config, ops.ImportInput{
		Path:   input.Path,
		Mode:   ops.ImportMode(input.Mode),
		Source: src,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(out)
}

// errorResult creates an MCP error result. INTERNAL errors and foreign
// errors never expose details or causes.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var nErr *errors.NudgeError
	if stderrors.As(err, &nErr) {
		errorObj := map[string]any{
			"code":    nErr.Code,
			"message": err.Error(),
			"status":  nErr.Status,
		}
		if nErr.Code == errors.ErrInternal {
			errorObj["message"] = "an internal error occurred"
		} else if nErr.Details != nil {
			errorObj["details"] = nErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
