package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/calliopehq/calliope/errors"
)

// ChunkFunc receives each content delta as it arrives.
type ChunkFunc func(delta string)

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *Usage         `json:"usage"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamDelta struct {
	Content   string          `json:"content"`
	ToolCalls []toolCallDelta `json:"tool_calls"`
}

// toolCallDelta is one fragment of a streamed tool call. The first fragment
// for an index carries id and name; later fragments append argument bytes.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ChatStream sends a completion request with stream enabled and delivers
// content deltas to onChunk as they arrive. It returns the fully accumulated
// response once the stream settles. onChunk may be nil.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (*ChatResponse, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("model API key not configured")
	}

	wireReq := c.buildRequest(req)
	wireReq.Stream = true

	ctx, cancel := context.WithTimeout(ctx, c.config.ToolTimeout)
	defer cancel()

	resp, err := c.post(ctx, wireReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errors.Newf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var content strings.Builder
	var finishReason string
	var usage Usage
	calls := make(map[int]*ToolCall)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warnw("Skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(choice.Delta.Content)
			}
		}
		for _, d := range choice.Delta.ToolCalls {
			call, ok := calls[d.Index]
			if !ok {
				call = &ToolCall{}
				calls[d.Index] = call
			}
			if d.ID != "" {
				call.ID = d.ID
			}
			if d.Type != "" {
				call.Type = d.Type
			}
			if d.Function.Name != "" {
				call.Function.Name = d.Function.Name
			}
			call.Function.Arguments += d.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading stream")
	}

	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	toolCalls := make([]ToolCall, 0, len(calls))
	for _, i := range indexes {
		toolCalls = append(toolCalls, *calls[i])
	}

	return &ChatResponse{
		Content:      strings.TrimSpace(content.String()),
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}
