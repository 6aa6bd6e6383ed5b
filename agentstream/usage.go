package agentstream

// Usage metadata keys.
const (
	MetaInputTokens         = "input_tokens"
	MetaOutputTokens        = "output_tokens"
	MetaCacheReadTokens     = "cache_read_input_tokens"
	MetaCacheCreationTokens = "cache_creation_input_tokens"
	MetaReasoningTokens     = "reasoning_output_tokens"
	MetaCostUSD             = "cost_usd"
	MetaCumulative          = "cumulative"
)

// Usage is a token accounting snapshot reported by a provider.
//
// Cumulative marks totals for the whole turn so far (Codex turn.completed,
// Claude CLI result lines). Non-cumulative usage describes a single API
// message and is summed by consumers.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheReadInputTokens     int64
	CacheCreationInputTokens int64
	ReasoningOutputTokens    int64
	CostUSD                  float64
	Cumulative               bool
}

// IsZero reports whether no counters are set.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheReadInputTokens == 0 &&
		u.CacheCreationInputTokens == 0 && u.ReasoningOutputTokens == 0 && u.CostUSD == 0
}

// Add returns the field-wise sum of u and o. Cumulative is kept from u.
func (u Usage) Add(o Usage) Usage {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadInputTokens += o.CacheReadInputTokens
	u.CacheCreationInputTokens += o.CacheCreationInputTokens
	u.ReasoningOutputTokens += o.ReasoningOutputTokens
	u.CostUSD += o.CostUSD
	return u
}

// UsageEvent builds a usage event. Zero-valued optional counters are omitted.
func UsageEvent(u Usage) Event {
	md := map[string]any{
		MetaInputTokens:  u.InputTokens,
		MetaOutputTokens: u.OutputTokens,
	}
	if u.CacheReadInputTokens > 0 {
		md[MetaCacheReadTokens] = u.CacheReadInputTokens
	}
	if u.CacheCreationInputTokens > 0 {
		md[MetaCacheCreationTokens] = u.CacheCreationInputTokens
	}
	if u.ReasoningOutputTokens > 0 {
		md[MetaReasoningTokens] = u.ReasoningOutputTokens
	}
	if u.CostUSD > 0 {
		md[MetaCostUSD] = u.CostUSD
	}
	if u.Cumulative {
		md[MetaCumulative] = true
	}
	return Event{Type: TypeUsage, Metadata: md}
}

// UsageOf decodes the usage carried by a usage event. Metadata that went
// through a JSON round trip holds float64 numbers, so both forms are accepted.
func UsageOf(e Event) (Usage, bool) {
	if e.Type != TypeUsage {
		return Usage{}, false
	}
	cum, _ := e.Meta(MetaCumulative).(bool)
	return Usage{
		InputTokens:              metaInt(e, MetaInputTokens),
		OutputTokens:             metaInt(e, MetaOutputTokens),
		CacheReadInputTokens:     metaInt(e, MetaCacheReadTokens),
		CacheCreationInputTokens: metaInt(e, MetaCacheCreationTokens),
		ReasoningOutputTokens:    metaInt(e, MetaReasoningTokens),
		CostUSD:                  metaFloat(e, MetaCostUSD),
		Cumulative:               cum,
	}, true
}

func metaInt(e Event, key string) int64 {
	switch v := e.Meta(key).(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func metaFloat(e Event, key string) float64 {
	switch v := e.Meta(key).(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
