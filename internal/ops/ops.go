// Package ops holds the operational surface shared by the CLI, the MCP
// server and the HTTP endpoint: feedback, invalidation, packet listing,
// event export, candidate import, purge and trust inspection.
package ops

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/advisor"
	"github.com/hpungsan/nudge/internal/emit"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/packet"
	"github.com/hpungsan/nudge/internal/rank"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

var validate = validator.New()

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// invalid turns validator failures into a single INVALID_REQUEST.
func invalid(err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.NewInvalidRequest(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errors.NewInvalidRequest(strings.Join(msgs, "; "))
}

// FeedbackInput contains parameters for the Feedback operation.
type FeedbackInput struct {
	TraceID string `json:"trace_id" validate:"required,max=64"`
	Result  string `json:"result" validate:"required,oneof=helpful unhelpful ignored followed"`
}

// Feedback records an explicit outcome for an emitted advisory.
func Feedback(ctx context.Context, p *advisor.Pipeline, input FeedbackInput) (*emit.FeedbackResult, error) {
	input.TraceID = strings.TrimSpace(input.TraceID)
	input.Result = strings.ToLower(strings.TrimSpace(input.Result))
	if err := validate.Struct(input); err != nil {
		return nil, invalid(err)
	}
	result, err := advice.ParseResult(input.Result)
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	return p.Feedback(ctx, input.TraceID, result)
}

// InvalidateInput contains parameters for the Invalidate operation.
type InvalidateInput struct {
	File string `json:"file" validate:"required,max=1024"`
}

// InvalidateOutput contains the result of the Invalidate operation.
type InvalidateOutput struct {
	File        string `json:"file"`
	Invalidated int    `json:"invalidated"`
}

// Invalidate drops every cached packet that mentions a file.
func Invalidate(ctx context.Context, p *advisor.Pipeline, input InvalidateInput) (*InvalidateOutput, error) {
	input.File = strings.TrimSpace(input.File)
	if err := validate.Struct(input); err != nil {
		return nil, invalid(err)
	}
	n, err := p.Invalidate(ctx, input.File)
	if err != nil {
		return nil, err
	}
	return &InvalidateOutput{File: input.File, Invalidated: n}, nil
}

// PacketsInput contains parameters for the ListPackets operation.
type PacketsInput struct {
	Limit  int `json:"limit,omitempty" validate:"gte=0"`
	Offset int `json:"offset,omitempty" validate:"gte=0"`
}

// PacketsOutput contains the result of the ListPackets operation.
type PacketsOutput struct {
	Items      []packet.Summary `json:"items"`
	Pagination Pagination       `json:"pagination"`
}

// ListPackets pages through live packets, most effective first.
func ListPackets(ctx context.Context, cache *packet.Cache, input PacketsInput) (*PacketsOutput, error) {
	if err := validate.Struct(input); err != nil {
		return nil, invalid(err)
	}
	limit := input.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	all := []packet.Summary{}
	if cache != nil {
		var err error
		if all, err = cache.List(ctx); err != nil {
			return nil, err
		}
	}

	start := min(input.Offset, len(all))
	end := min(start+limit, len(all))
	return &PacketsOutput{
		Items: all[start:end],
		Pagination: Pagination{
			Limit:   limit,
			Offset:  input.Offset,
			HasMore: end < len(all),
			Total:   len(all),
		},
	}, nil
}

// TrustOutput is the current per-source trust table.
type TrustOutput struct {
	Sources []rank.SourceTrust `json:"sources"`
	Floor   float64            `json:"floor"`
	Ceiling float64            `json:"ceiling"`
}

// Trust reports the trust multiplier of every source.
func Trust(t *rank.TrustTable) *TrustOutput {
	floor, ceiling := t.Bounds()
	return &TrustOutput{Sources: t.Snapshot(), Floor: floor, Ceiling: ceiling}
}

// ResetTrust forgets learned trust; every source returns to the initial value.
func ResetTrust(ctx context.Context, t *rank.TrustTable) (*TrustOutput, error) {
	if err := t.Reset(ctx); err != nil {
		return nil, err
	}
	return Trust(t), nil
}
