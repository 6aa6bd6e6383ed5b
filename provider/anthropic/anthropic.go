// Package anthropic streams turns from the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/tidwall/sjson"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/protocol"
	"github.com/bazelment/chatstream/provider"
)

const (
	Name             = "anthropic"
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultVersion   = "2023-06-01"
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 8192
)

// Config holds the adapter settings.
type Config struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	APIKey     string
	BaseURL    string
	Version    string
	Model      string
	MaxTokens  int
}

// Option configures a Provider.
type Option func(*Config)

func WithAPIKey(key string) Option { return func(c *Config) { c.APIKey = key } }
func WithBaseURL(url string) Option { return func(c *Config) { c.BaseURL = url } }
func WithModel(model string) Option { return func(c *Config) { c.Model = model } }
func WithMaxTokens(n int) Option { return func(c *Config) { c.MaxTokens = n } }
func WithHTTPClient(hc *http.Client) Option { return func(c *Config) { c.HTTPClient = hc } }
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{
		BaseURL:    DefaultBaseURL,
		Version:    DefaultVersion,
		Model:      DefaultModel,
		MaxTokens:  DefaultMaxTokens,
		HTTPClient: http.DefaultClient,
		Logger:     slog.Default(),
	}
}

// Provider implements provider.Provider over the Messages API.
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
	maxTokens := turn.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}

	msgs, err := toMessages(turn.RemindedMessages())
	if err != nil {
		return nil, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if turn.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: turn.SystemPrompt}}
	}
	if turn.ThinkingBudget > 0 {
		if params.MaxTokens <= int64(turn.ThinkingBudget) {
			params.MaxTokens = int64(turn.ThinkingBudget) + DefaultMaxTokens
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(turn.ThinkingBudget))
	}
	for _, tool := range turn.Tools {
		s, err := tool.DecodeSchema()
		if err != nil {
			return nil, err
		}
		schema := anthropic.ToolInputSchemaParam{
			Properties:  s.Properties,
			Required:    s.Required,
			ExtraFields: s.Extra,
		}
		tp := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" {
			tp.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, tp)
	}

	body, err := params.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return sjson.SetBytes(body, "stream", true)
}

func toMessages(in []provider.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(in))
	for _, m := range in {
		var blocks []anthropic.ContentBlockParamUnion
		switch m.Role {
		case provider.RoleUser:
			for _, r := range m.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolUseID, r.Content, r.IsError))
			}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case provider.RoleAssistant:
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, u := range m.ToolUses {
				var input any = map[string]any{}
				if len(u.Input) > 0 {
					input = u.Input
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(u.ID, input, u.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, provider.ErrNoUserMessage
	}
	return out, nil
}

func (p *Provider) stream(ctx context.Context, body []byte, g *agentstream.Guard) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		g.Emit(agentstream.ErrorEvent(agentstream.ErrorConfig, err.Error()))
		return
	}
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", p.cfg.Version)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")

	resp, failure := provider.OpenStream(p.cfg.HTTPClient, req, Name)
	if failure != nil {
		p.cfg.Logger.Warn("stream request failed", "content", failure.Content)
		g.Emit(*failure)
		return
	}
	dec := ssestream.NewDecoder(resp)
	defer dec.Close()

	tr := protocol.NewBlockTranslator(p.cfg.Logger)
	stopped := false
	for dec.Next() {
		frame := dec.Event()
		if len(bytes.TrimSpace(frame.Data)) == 0 {
			continue
		}
		ev, err := protocol.ParseStreamEvent(frame.Data)
		if err != nil {
			p.cfg.Logger.Warn("skipping malformed stream event", "event", frame.Type, "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		for _, out := range tr.Translate(ev) {
			if !g.Emit(out) {
				return
			}
		}
		if ev.EventType() == protocol.StreamEventTypeMessageStop {
			stopped = true
		}
	}
	if err := dec.Err(); err != nil {
		g.Emit(provider.StreamFailure(ctx, Name, err))
		return
	}
	if ctx.Err() != nil {
		g.Emit(agentstream.Done(agentstream.StopInterrupted))
		return
	}
	if !stopped {
		g.Emit(agentstream.ErrorEvent(agentstream.ErrorTransport, "anthropic stream ended before message_stop"))
		return
	}
	g.Emit(agentstream.Done(tr.StopReason()))
}
