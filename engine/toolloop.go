package engine

import (
	"context"
	"encoding/json"

	"github.com/calliopehq/calliope/ai"
	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/store"
)

// executeWithTools loads the binding's cached manifest, filters it, and runs
// the tool-calling loop. An empty filtered tool set fails before any model
// call is made.
func (e *Engine) executeWithTools(ctx context.Context, client ChatClient, req Request, messages []ai.Message) (string, error) {
	binding, err := e.bindings.Get(ctx, req.ToolBindingID, req.TeamID)
	if err != nil {
		return "", err
	}

	tools := filterTools(binding.Manifest, req.AllowedTools)
	if len(tools) == 0 {
		return "", errors.Wrapf(errors.ErrNoUsableTools,
			"tool binding %q offers no usable tools after filtering", binding.ID)
	}

	session, err := e.dialer.Dial(ctx, binding)
	if err != nil {
		return "", errors.Wrapf(err, "failed to connect to tool server %q", binding.ID)
	}
	defer session.Close()

	for iteration := 0; iteration < e.maxToolIterations; iteration++ {
		resp, err := client.Chat(ctx, ai.ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			return "", errors.Wrap(err, "completion failed")
		}

		if len(resp.ToolCalls) == 0 {
			// Plain text terminates the loop. Interactive callers get the
			// settled answer in one chunk; intermediate turns never stream.
			if req.OnChunk != nil && resp.Content != "" {
				req.OnChunk(resp.Content)
			}
			return resp.Content, nil
		}

		messages = append(messages, ai.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			messages = append(messages, ai.Message{
				Role:       "tool",
				Content:    e.invokeTool(ctx, session, call),
				ToolCallID: call.ID,
			})
		}
	}

	return "", errors.Newf("tool loop did not settle within %d iterations", e.maxToolIterations)
}

// invokeTool runs one model-requested call. Failures come back as the tool
// turn's content so the model can recover or explain; they never abort the
// loop.
func (e *Engine) invokeTool(ctx context.Context, session ToolSession, call ai.ToolCall) string {
	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			e.logger.Warnw("Model produced malformed tool arguments",
				"tool", call.Function.Name,
				"error", err)
			return "error: malformed tool arguments: " + err.Error()
		}
	}

	result, err := session.Call(ctx, call.Function.Name, args)
	if err != nil {
		e.logger.Warnw("Tool invocation failed",
			"tool", call.Function.Name,
			"error", err)
		return "error: " + err.Error()
	}
	return result
}

// filterTools converts the cached manifest to the function-calling format,
// keeping only allow-listed tools when an allow-list is given.
func filterTools(manifest []store.ToolSpec, allowed []string) []ai.Tool {
	var allowSet map[string]struct{}
	if len(allowed) > 0 {
		allowSet = make(map[string]struct{}, len(allowed))
		for _, name := range allowed {
			allowSet[name] = struct{}{}
		}
	}

	tools := make([]ai.Tool, 0, len(manifest))
	for _, spec := range manifest {
		if allowSet != nil {
			if _, ok := allowSet[spec.Name]; !ok {
				continue
			}
		}
		description := spec.Description
		if description == "" {
			description = spec.Title
		}
		tools = append(tools, ai.NewFunctionTool(spec.Name, description, spec.InputSchema))
	}
	return tools
}
