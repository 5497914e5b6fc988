package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliopehq/calliope/ai"
	"github.com/calliopehq/calliope/convo"
	"github.com/calliopehq/calliope/errors"
	calliopetest "github.com/calliopehq/calliope/internal/testing"
	"github.com/calliopehq/calliope/resolver"
	"github.com/calliopehq/calliope/store"
)

// fakeChat replays scripted responses and records every request it sees.
type fakeChat struct {
	responses []*ai.ChatResponse
	requests  []ai.ChatRequest
	streamed  bool
}

func (f *fakeChat) Chat(_ context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return &ai.ChatResponse{Content: "out of script"}, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeChat) ChatStream(ctx context.Context, req ai.ChatRequest, onChunk ai.ChunkFunc) (*ai.ChatResponse, error) {
	f.streamed = true
	resp, err := f.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil && resp.Content != "" {
		onChunk(resp.Content)
	}
	return resp, nil
}

type fakeSession struct {
	calls   []string
	args    []map[string]any
	result  string
	err     error
	closed  bool
	dialers int
}

func (f *fakeSession) Call(_ context.Context, name string, args map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	return f.result, f.err
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
}

func (f *fakeDialer) Dial(_ context.Context, _ *store.ToolServerBinding) (ToolSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.session.dialers++
	return f.session, nil
}

func newFixture(t *testing.T) (*Engine, *fakeChat, *fakeDialer, *convo.Store) {
	t.Helper()
	db := calliopetest.CreateMigratedTestDB(t)
	ctx := context.Background()

	templates := store.NewTemplateStore(db)
	placeholders := store.NewPlaceholderStore(db)
	tables := store.NewTableStore(db)
	models := store.NewModelConfigStore(db)
	bindings := store.NewBindingStore(db)

	convoStore, err := convo.New(db, time.Hour, 16, nil)
	require.NoError(t, err)

	require.NoError(t, templates.Create(ctx, &store.PromptTemplate{
		SceneID: "greeting", TeamID: "team-a",
		Content: "Hello {input.name}, ticket {table.ticket.id}",
	}))
	require.NoError(t, templates.Create(ctx, &store.PromptTemplate{
		SceneID: "tenant-report", TeamID: "team-a",
		Content: "Report for {tenant_name}",
	}))
	require.NoError(t, placeholders.CreateDefinition(ctx, "team-a", &resolver.Definition{
		Key: "ticket", Source: resolver.SourceTabularLookup,
		TableID: "tickets", ColumnKey: "code", RowParam: "id",
	}))
	require.NoError(t, placeholders.CreateDefinition(ctx, "team-a", &resolver.Definition{
		Key: "tenant_name", Source: resolver.SourceDynamicMethod,
		MethodName: "tenant_profile", TenantParamKey: "tenant_id",
	}))
	require.NoError(t, tables.CreateTable(ctx, "tickets", "team-a", "Tickets"))
	require.NoError(t, tables.InsertRow(ctx, "tickets", 3, map[string]any{"code": "TCK-003"}))
	require.NoError(t, models.Create(ctx, &store.ModelConfig{
		ID: "gpt-main", TeamID: "team-a", Provider: "openai",
		BaseURL: "https://api.example.com/v1", APIKey: "sk-test", Model: "gpt-4o",
	}))
	require.NoError(t, bindings.Create(ctx, &store.ToolServerBinding{
		ID: "crm-tools", TeamID: "team-a",
		URL: "https://tools.example.com/mcp", Transport: store.TransportStreamableHTTP,
		Manifest: []store.ToolSpec{
			{Name: "lookup_customer", Description: "Find a customer",
				InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "create_note", Description: "Attach a note"},
		},
	}))

	methods := resolver.NewMethodRegistry()
	methods.Register(resolver.MethodFunc{
		MethodName: "tenant_profile",
		Fn: func(_ context.Context, args map[string]string) (string, error) {
			return "Tenant " + args["tenant_id"], nil
		},
	})

	chat := &fakeChat{}
	dialer := &fakeDialer{session: &fakeSession{result: `{"name":"Ada Inc"}`}}

	eng := New(Options{
		Templates:   templates,
		Resolver:    resolver.New(placeholders, tables, methods, nil),
		Definitions: placeholders,
		Models:      models,
		Bindings:    bindings,
		Convo:       convoStore,
		NewClient:   func(_ *store.ModelConfig) ChatClient { return chat },
		Dialer:      dialer,
	})
	return eng, chat, dialer, convoStore
}

func TestEngine_ExecutePlain(t *testing.T) {
	eng, chat, _, convoStore := newFixture(t)
	chat.responses = []*ai.ChatResponse{{Content: "Done.", FinishReason: "stop"}}

	content, err := eng.Execute(context.Background(), Request{
		SceneID:       "greeting",
		TeamID:        "team-a",
		ConvoID:       "c1",
		Bag:           map[string]string{"input.name": "Ada", "table.ticket.id": "3"},
		ModelConfigID: "gpt-main",
	})
	require.NoError(t, err)
	assert.Equal(t, "Done.", content)

	require.Len(t, chat.requests, 1)
	messages := chat.requests[0].Messages
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "Hello Ada, ticket TCK-003", messages[0].Content)

	history, err := convoStore.Read(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "Done.", history[1].Content)
}

func TestEngine_HistoryPrepended(t *testing.T) {
	eng, chat, _, convoStore := newFixture(t)
	ctx := context.Background()

	require.NoError(t, convoStore.Append(ctx, "c1", "user", "earlier question"))
	require.NoError(t, convoStore.Append(ctx, "c1", "assistant", "earlier answer"))
	chat.responses = []*ai.ChatResponse{{Content: "Done."}}

	_, err := eng.Execute(ctx, Request{
		SceneID:       "greeting",
		TeamID:        "team-a",
		ConvoID:       "c1",
		Bag:           map[string]string{"input.name": "Ada", "table.ticket.id": "3"},
		ModelConfigID: "gpt-main",
	})
	require.NoError(t, err)

	messages := chat.requests[0].Messages
	require.Len(t, messages, 3)
	assert.Equal(t, "earlier question", messages[0].Content)
	assert.Equal(t, "earlier answer", messages[1].Content)
	assert.Equal(t, "Hello Ada, ticket TCK-003", messages[2].Content)
}

func TestEngine_MissingModelConfig(t *testing.T) {
	eng, chat, _, _ := newFixture(t)

	_, err := eng.Execute(context.Background(), Request{
		SceneID: "greeting", TeamID: "team-a",
		Bag: map[string]string{"input.name": "Ada"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Empty(t, chat.requests)
}

func TestEngine_ForeignModelReadsUnknown(t *testing.T) {
	eng, _, _, _ := newFixture(t)

	_, err := eng.Execute(context.Background(), Request{
		SceneID: "greeting", TeamID: "team-a",
		Bag:           map[string]string{"input.name": "Ada"},
		ModelConfigID: "someone-elses-model",
	})
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestEngine_MissingTemplate(t *testing.T) {
	eng, _, _, _ := newFixture(t)

	_, err := eng.Execute(context.Background(), Request{
		SceneID: "no-such-scene", TeamID: "team-a", ModelConfigID: "gpt-main",
	})
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestEngine_TenantRequired(t *testing.T) {
	eng, chat, _, _ := newFixture(t)

	_, err := eng.Execute(context.Background(), Request{
		SceneID:       "tenant-report",
		TeamID:        "team-a",
		ModelConfigID: "gpt-main",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTenantRequired))
	assert.Empty(t, chat.requests, "no model call before tenant validation")

	chat.responses = []*ai.ChatResponse{{Content: "Report ready."}}
	content, err := eng.Execute(context.Background(), Request{
		SceneID:       "tenant-report",
		TeamID:        "team-a",
		TenantID:      "acme",
		ModelConfigID: "gpt-main",
	})
	require.NoError(t, err)
	assert.Equal(t, "Report ready.", content)
	assert.Equal(t, "Report for Tenant acme", chat.requests[0].Messages[0].Content)
}

func TestEngine_Streaming(t *testing.T) {
	eng, chat, _, _ := newFixture(t)
	chat.responses = []*ai.ChatResponse{{Content: "streamed answer"}}

	var chunks []string
	content, err := eng.Execute(context.Background(), Request{
		SceneID:       "greeting",
		TeamID:        "team-a",
		Bag:           map[string]string{"input.name": "Ada", "table.ticket.id": "3"},
		ModelConfigID: "gpt-main",
		OnChunk:       func(delta string) { chunks = append(chunks, delta) },
	})
	require.NoError(t, err)
	assert.True(t, chat.streamed, "interactive path should stream")
	assert.Equal(t, "streamed answer", content)
	assert.Equal(t, []string{"streamed answer"}, chunks)
}

func TestEngine_ToolLoop(t *testing.T) {
	eng, chat, dialer, _ := newFixture(t)
	chat.responses = []*ai.ChatResponse{
		{
			ToolCalls: []ai.ToolCall{{
				ID: "call_1", Type: "function",
				Function: ai.FunctionCall{Name: "lookup_customer", Arguments: `{"id":"TCK-003"}`},
			}},
			FinishReason: "tool_calls",
		},
		{Content: "Customer is Ada Inc.", FinishReason: "stop"},
	}

	content, err := eng.Execute(context.Background(), Request{
		SceneID:       "greeting",
		TeamID:        "team-a",
		Bag:           map[string]string{"input.name": "Ada", "table.ticket.id": "3"},
		ModelConfigID: "gpt-main",
		ToolBindingID: "crm-tools",
	})
	require.NoError(t, err)
	assert.Equal(t, "Customer is Ada Inc.", content)

	// Tool server saw the parsed arguments.
	require.Equal(t, []string{"lookup_customer"}, dialer.session.calls)
	assert.Equal(t, map[string]any{"id": "TCK-003"}, dialer.session.args[0])
	assert.True(t, dialer.session.closed)

	// Both iterations presented the manifest as function tools.
	require.Len(t, chat.requests, 2)
	assert.Len(t, chat.requests[0].Tools, 2)

	// The second request carries the assistant tool_calls turn and the tool
	// result turn with the matching call id.
	second := chat.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "assistant", second[1].Role)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, "tool", second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
	assert.Equal(t, `{"name":"Ada Inc"}`, second[2].Content)
}

func TestEngine_ToolLoopAllowList(t *testing.T) {
	eng, chat, _, _ := newFixture(t)
	chat.responses = []*ai.ChatResponse{{Content: "done"}}

	_, err := eng.Execute(context.Background(), Request{
		SceneID:       "greeting",
		TeamID:        "team-a",
		Bag:           map[string]string{"input.name": "Ada", "table.ticket.id": "3"},
		ModelConfigID: "gpt-main",
		ToolBindingID: "crm-tools",
		AllowedTools:  []string{"create_note"},
	})
	require.NoError(t, err)
	require.Len(t, chat.requests, 1)
	require.Len(t, chat.requests[0].Tools, 1)
	assert.Equal(t, "create_note", chat.requests[0].Tools[0].Function.Name)
}

func TestEngine_EmptyFilteredToolSetFailsFast(t *testing.T) {
	eng, chat, _, _ := newFixture(t)

	_, err := eng.Execute(context.Background(), Request{
		SceneID:       "greeting",
		TeamID:        "team-a",
		Bag:           map[string]string{"input.name": "Ada", "table.ticket.id": "3"},
		ModelConfigID: "gpt-main",
		ToolBindingID: "crm-tools",
		AllowedTools:  []string{"not_in_manifest"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoUsableTools))
	assert.Empty(t, chat.requests, "no model call when the tool set is empty")
}

func TestEngine_ToolFailureFeedsBack(t *testing.T) {
	eng, chat, dialer, _ := newFixture(t)
	dialer.session.err = errors.New("server exploded")
	chat.responses = []*ai.ChatResponse{
		{ToolCalls: []ai.ToolCall{{
			ID:       "call_1",
			Function: ai.FunctionCall{Name: "lookup_customer", Arguments: `{}`},
		}}},
		{Content: "I could not look that up."},
	}

	content, err := eng.Execute(context.Background(), Request{
		SceneID:       "greeting",
		TeamID:        "team-a",
		Bag:           map[string]string{"input.name": "Ada", "table.ticket.id": "3"},
		ModelConfigID: "gpt-main",
		ToolBindingID: "crm-tools",
	})
	require.NoError(t, err)
	assert.Equal(t, "I could not look that up.", content)

	second := chat.requests[1].Messages
	assert.Contains(t, second[len(second)-1].Content, "server exploded")
}

func TestEngine_ToolLoopIterationCap(t *testing.T) {
	eng, chat, dialer, _ := newFixture(t)
	// A response that always asks for another call never settles.
	chat.responses = []*ai.ChatResponse{{
		ToolCalls: []ai.ToolCall{{
			ID:       "call_n",
			Function: ai.FunctionCall{Name: "lookup_customer", Arguments: `{}`},
		}},
	}}

	_, err := eng.Execute(context.Background(), Request{
		SceneID:       "greeting",
		TeamID:        "team-a",
		Bag:           map[string]string{"input.name": "Ada", "table.ticket.id": "3"},
		ModelConfigID: "gpt-main",
		ToolBindingID: "crm-tools",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not settle")
	assert.Len(t, chat.requests, DefaultMaxToolIterations)
	assert.Len(t, dialer.session.calls, DefaultMaxToolIterations)
}
