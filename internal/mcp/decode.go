package mcp

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/nudge/internal/errors"
)

// decode converts tool arguments into T. Any failure is an INVALID_REQUEST
// naming the argument that did not fit.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var out T
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return out, errors.NewInvalidRequest("arguments are not valid JSON")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if stderrors.As(err, &typeErr) && typeErr.Field != "" {
			return out, errors.NewInvalidRequest(fmt.Sprintf("%s must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value))
		}
		return out, errors.NewInvalidRequest(err.Error())
	}
	return out, nil
}
