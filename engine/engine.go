// Package engine assembles prompts and produces completions. It resolves the
// applicable template for a scene, fills placeholders, loads the explicitly
// requested model configuration, prepends bounded conversation history, and
// either issues a direct completion or drives the tool-calling loop when a
// tool binding is attached.
package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/calliopehq/calliope/ai"
	"github.com/calliopehq/calliope/convo"
	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/resolver"
	"github.com/calliopehq/calliope/store"
)

const (
	// DefaultHistoryWindow bounds how many prior turns are prepended.
	DefaultHistoryWindow = 20
	// DefaultMaxToolIterations bounds the tool-calling loop. The model
	// normally stops on its own; the cap guards against one that never does.
	DefaultMaxToolIterations = 10
)

// ChatClient is the model call surface the engine depends on.
type ChatClient interface {
	Chat(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error)
	ChatStream(ctx context.Context, req ai.ChatRequest, onChunk ai.ChunkFunc) (*ai.ChatResponse, error)
}

// ClientFactory builds a model client for one model configuration.
type ClientFactory func(cfg *store.ModelConfig) ChatClient

// Request is one execution request. OnChunk non-nil marks the interactive
// path: the final answer streams through it as it arrives.
type Request struct {
	SceneID       string
	TeamID        string
	TenantID      string
	ConvoID       string
	Bag           map[string]string
	ModelConfigID string
	ToolBindingID string
	AllowedTools  []string
	OnChunk       ai.ChunkFunc
}

// Options configures an Engine.
type Options struct {
	Templates         *store.TemplateStore
	Resolver          *resolver.Resolver
	Definitions       resolver.DefinitionLookup
	Models            *store.ModelConfigStore
	Bindings          *store.BindingStore
	Convo             *convo.Store
	NewClient         ClientFactory
	Dialer            ToolDialer
	HistoryWindow     int
	MaxToolIterations int
	PlainTimeout      time.Duration
	ToolTimeout       time.Duration
	Logger            *zap.SugaredLogger
}

// Engine executes prompt requests against a configured model.
type Engine struct {
	templates         *store.TemplateStore
	resolver          *resolver.Resolver
	defs              resolver.DefinitionLookup
	models            *store.ModelConfigStore
	bindings          *store.BindingStore
	convo             *convo.Store
	newClient         ClientFactory
	dialer            ToolDialer
	historyWindow     int
	maxToolIterations int
	logger            *zap.SugaredLogger
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = DefaultMaxToolIterations
	}
	if opts.NewClient == nil {
		opts.NewClient = defaultClientFactory(opts.PlainTimeout, opts.ToolTimeout, opts.Logger)
	}
	if opts.Dialer == nil {
		opts.Dialer = NewMCPDialer(opts.Logger)
	}
	return &Engine{
		templates:         opts.Templates,
		resolver:          opts.Resolver,
		defs:              opts.Definitions,
		models:            opts.Models,
		bindings:          opts.Bindings,
		convo:             opts.Convo,
		newClient:         opts.NewClient,
		dialer:            opts.Dialer,
		historyWindow:     opts.HistoryWindow,
		maxToolIterations: opts.MaxToolIterations,
		logger:            opts.Logger,
	}
}

func defaultClientFactory(plainTimeout, toolTimeout time.Duration, logger *zap.SugaredLogger) ClientFactory {
	return func(cfg *store.ModelConfig) ChatClient {
		return ai.NewClient(ai.Config{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			Temperature:  cfg.Temperature,
			MaxTokens:    cfg.MaxTokens,
			PlainTimeout: plainTimeout,
			ToolTimeout:  toolTimeout,
			Logger:       logger,
		})
	}
}

// Execute runs one request end to end and returns the completion content.
func (e *Engine) Execute(ctx context.Context, req Request) (string, error) {
	tpl, err := e.templates.ResolveTemplate(ctx, req.SceneID, req.TeamID, req.TenantID)
	if err != nil {
		return "", err
	}

	if err := e.checkTenantRequirement(ctx, tpl, req); err != nil {
		return "", err
	}

	scope := resolver.Scope{TeamID: req.TeamID, TenantID: req.TenantID}
	prompt := e.resolver.Resolve(ctx, tpl.Content, scope, req.Bag)

	if req.ModelConfigID == "" {
		return "", errors.WithHint(
			errors.Wrap(errors.ErrInvalidRequest, "model configuration id is required"),
			"register a model configuration and reference it in the request")
	}
	modelCfg, err := e.models.Get(ctx, req.ModelConfigID, req.TeamID)
	if err != nil {
		return "", err
	}
	client := e.newClient(modelCfg)

	messages := e.loadHistory(ctx, req.ConvoID)
	messages = append(messages, ai.Message{Role: "user", Content: prompt})

	var content string
	if req.ToolBindingID != "" {
		content, err = e.executeWithTools(ctx, client, req, messages)
	} else {
		content, err = e.executePlain(ctx, client, req, messages)
	}
	if err != nil {
		return "", err
	}

	e.appendTurns(ctx, req.ConvoID, prompt, content)
	return content, nil
}

// checkTenantRequirement fails when the template carries tokens whose
// definitions inject a tenant parameter and the request has no tenant.
func (e *Engine) checkTenantRequirement(ctx context.Context, tpl *store.PromptTemplate, req Request) error {
	if req.TenantID != "" {
		return nil
	}
	for _, token := range tpl.TokenKeys {
		if strings.HasPrefix(token, resolver.PrefixInput) || strings.HasPrefix(token, resolver.PrefixTable) {
			continue
		}
		def, err := e.defs.DefinitionByKeyOrLabel(ctx, token, req.TeamID)
		if err != nil {
			continue
		}
		if def.Source == resolver.SourceDynamicMethod && def.TenantParamKey != "" {
			return errors.Wrapf(errors.ErrTenantRequired,
				"placeholder %q requires tenant context for scene %q", token, req.SceneID)
		}
	}
	return nil
}

func (e *Engine) executePlain(ctx context.Context, client ChatClient, req Request, messages []ai.Message) (string, error) {
	chatReq := ai.ChatRequest{Messages: messages}
	if req.OnChunk != nil {
		resp, err := client.ChatStream(ctx, chatReq, req.OnChunk)
		if err != nil {
			return "", errors.Wrap(err, "completion failed")
		}
		return resp.Content, nil
	}
	resp, err := client.Chat(ctx, chatReq)
	if err != nil {
		return "", errors.Wrap(err, "completion failed")
	}
	return resp.Content, nil
}

func (e *Engine) loadHistory(ctx context.Context, convoID string) []ai.Message {
	if e.convo == nil || convoID == "" {
		return nil
	}
	history, err := e.convo.Read(ctx, convoID, e.historyWindow)
	if err != nil {
		e.logger.Warnw("Failed to load conversation history",
			"convo_id", convoID,
			"error", err)
		return nil
	}
	messages := make([]ai.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, ai.Message{Role: m.Role, Content: m.Content})
	}
	return messages
}

func (e *Engine) appendTurns(ctx context.Context, convoID, prompt, content string) {
	if e.convo == nil || convoID == "" {
		return
	}
	if err := e.convo.Append(ctx, convoID, "user", prompt); err != nil {
		e.logger.Warnw("Failed to append user turn", "convo_id", convoID, "error", err)
	}
	if err := e.convo.Append(ctx, convoID, "assistant", content); err != nil {
		e.logger.Warnw("Failed to append assistant turn", "convo_id", convoID, "error", err)
	}
}
