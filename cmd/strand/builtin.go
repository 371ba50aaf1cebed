// builtin.go declares the native tools every runtime registers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandworks/strand/internal/agent"
	"github.com/strandworks/strand/internal/toolschema"
)

func builtinTools() []agent.Tool {
	return []agent.Tool{currentTimeTool()}
}

// currentTimeArgs are the current_time parameters; the model-facing
// schema is reflected from this struct.
type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as America/New_York. Local time when omitted."`
}

func currentTimeTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        "current_time",
		ToolDescription: "Returns the current date and time, optionally in a given IANA timezone",
		ToolSchema:      toolschema.MustFor[currentTimeArgs](),
		Fn: func(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var args currentTimeArgs
			if len(params) > 0 {
				if err := json.Unmarshal(params, &args); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			}
			loc := time.Local
			if args.Timezone != "" {
				var err error
				loc, err = time.LoadLocation(args.Timezone)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", args.Timezone)
				}
			}
			return &agent.ToolResult{Content: time.Now().In(loc).Format(time.RFC3339)}, nil
		},
	}
}
