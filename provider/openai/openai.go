// Package openai streams turns from Chat Completions compatible endpoints.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/sjson"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/provider"
)

const (
	Name           = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4.1"
	doneSentinel   = "[DONE]"
)

// Config holds the adapter settings.
type Config struct {
	HTTPClient   *http.Client
	Logger       *slog.Logger
	APIKey       string
	BaseURL      string
	Organization string
	Model        string
	MaxTokens    int
}

// Option configures a Provider.
type Option func(*Config)

func WithAPIKey(key string) Option { return func(c *Config) { c.APIKey = key } }
func WithBaseURL(url string) Option { return func(c *Config) { c.BaseURL = url } }
func WithOrganization(org string) Option { return func(c *Config) { c.Organization = org } }
func WithModel(model string) Option { return func(c *Config) { c.Model = model } }
func WithMaxTokens(n int) Option { return func(c *Config) { c.MaxTokens = n } }
func WithHTTPClient(hc *http.Client) Option { return func(c *Config) { c.HTTPClient = hc } }
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{
		BaseURL:    DefaultBaseURL,
		Model:      DefaultModel,
		HTTPClient: http.DefaultClient,
		Logger:     slog.Default(),
	}
}

// Provider implements provider.Provider over the Chat Completions API.
type Provider struct {
	cfg Config
}

var _ provider.Provider = (*Provider)(nil)

// New creates a Provider.
func New(opts ...Option) *Provider {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.Logger = cfg.Logger.With("provider", Name)
	return &Provider{cfg: cfg}
}

// Name returns the provider name.
func (p *Provider) Name() string { return Name }

// Capabilities reports that the caller executes tools.
func (p *Provider) Capabilities() provider.Capabilities { return provider.Capabilities{} }

// StreamTurn sends the transcript and streams the response.
func (p *Provider) StreamTurn(ctx context.Context, turn provider.Turn) (<-chan agentstream.Event, error) {
	if p.cfg.APIKey == "" {
		return nil, &provider.ConfigError{Provider: Name, Cause: provider.ErrMissingAPIKey}
	}
	body, err := p.buildRequest(turn)
	if err != nil {
		return nil, &provider.ConfigError{Provider: Name, Message: "build request", Cause: err}
	}
	return provider.Run(p.cfg.Logger, func(g *agentstream.Guard) {
		p.stream(ctx, body, g)
	}), nil
}

func (p *Provider) buildRequest(turn provider.Turn) ([]byte, error) {
	model := turn.Model
	if model == "" {
		model = p.cfg.Model
	}
	msgs, err := toMessages(turn.SystemPrompt, turn.RemindedMessages())
	if err != nil {
		return nil, err
	}

	tools := make([]openai.ChatCompletionToolParam, 0, len(turn.Tools))
	for _, tool := range turn.Tools {
		schema, err := tool.SchemaMap()
		if err != nil {
			return nil, err
		}
		def := openai.FunctionDefinitionParam{
			Name:       openai.String(tool.Name),
			Parameters: openai.F(shared.FunctionParameters(schema)),
		}
		if strings.TrimSpace(tool.Description) != "" {
			def.Description = openai.String(tool.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{
			Type:     openai.F(openai.ChatCompletionToolTypeFunction),
			Function: openai.F(def),
		})
	}

	params := openai.ChatCompletionNewParams{
		Messages: openai.F(msgs),
		Model:    openai.F(model),
	}
	if len(tools) > 0 {
		params.Tools = openai.F(tools)
		params.ParallelToolCalls = openai.Bool(true)
	}

	body, err := params.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
		return nil, err
	}
	maxTokens := turn.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		if body, err = sjson.SetBytes(body, "max_completion_tokens", maxTokens); err != nil {
			return nil, err
		}
	}
	if effort := reasoningEffort(turn); effort != "" {
		if body, err = sjson.SetBytes(body, "reasoning_effort", effort); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// reasoningEffort picks the effort level, deriving it from a thinking
// budget when no explicit level is set.
func reasoningEffort(turn provider.Turn) string {
	if turn.ReasoningEffort != "" {
		return turn.ReasoningEffort
	}
	switch b := turn.ThinkingBudget; {
	case b <= 0:
		return ""
	case b < 4096:
		return "low"
	case b < 16384:
		return "medium"
	default:
		return "high"
	}
}

func toMessages(system string, in []provider.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	if len(in) == 0 {
		return nil, provider.ErrNoUserMessage
	}
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, textMessage(openai.ChatCompletionMessageParamRoleSystem, system))
	}
	for _, m := range in {
		switch m.Role {
		case provider.RoleUser:
			for _, r := range m.ToolResults {
				msg := textMessage(openai.ChatCompletionMessageParamRoleTool, r.Content)
				msg.ToolCallID = openai.F(r.ToolUseID)
				out = append(out, msg)
			}
			if m.Content != "" {
				out = append(out, textMessage(openai.ChatCompletionMessageParamRoleUser, m.Content))
			}
		case provider.RoleAssistant:
			if len(m.ToolUses) == 0 {
				out = append(out, textMessage(openai.ChatCompletionMessageParamRoleAssistant, m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolUses))
			for i, u := range m.ToolUses {
				args := string(u.Input)
				if args == "" {
					args = "{}"
				}
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   openai.String(u.ID),
					Type: openai.F(openai.ChatCompletionMessageToolCallTypeFunction),
					Function: openai.F(openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      openai.String(u.Name),
						Arguments: openai.String(args),
					}),
				}
			}
			msg := openai.ChatCompletionMessageParam{
				Role:      openai.F(openai.ChatCompletionMessageParamRoleAssistant),
				ToolCalls: openai.F[any](calls),
			}
			if m.Content != "" {
				msg.Content = openai.F[any](m.Content)
			}
			out = append(out, msg)
		default:
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
	}
	return out, nil
}

// textMessage builds a message whose content is a plain string rather than
// a parts array.
func textMessage(role openai.ChatCompletionMessageParamRole, content string) openai.ChatCompletionMessageParam {
	return openai.ChatCompletionMessageParam{
		Role:    openai.F(role),
		Content: openai.F[any](content),
	}
}

func (p *Provider) stream(ctx context.Context, body []byte, g *agentstream.Guard) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		g.Emit(agentstream.ErrorEvent(agentstream.ErrorConfig, err.Error()))
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", p.cfg.Organization)
	}

	resp, failure := provider.OpenStream(p.cfg.HTTPClient, req, Name)
	if failure != nil {
		p.cfg.Logger.Warn("stream request failed", "content", failure.Content)
		g.Emit(*failure)
		return
	}
	dec := ssestream.NewDecoder(resp)
	defer dec.Close()

	st := newDeltaState(p.cfg.Logger)
	for dec.Next() {
		data := bytes.TrimSpace(dec.Event().Data)
		if len(data) == 0 {
			continue
		}
		if string(data) == doneSentinel {
			st.sawDone = true
			break
		}
		for _, ev := range st.apply(data) {
			if !g.Emit(ev) {
				return
			}
		}
	}
	if err := dec.Err(); err != nil && !st.sawDone {
		g.Emit(provider.StreamFailure(ctx, Name, err))
		return
	}
	if ctx.Err() != nil && !st.sawDone {
		g.Emit(agentstream.Done(agentstream.StopInterrupted))
		return
	}
	for _, ev := range st.finish() {
		g.Emit(ev)
	}
}
