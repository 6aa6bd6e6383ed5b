package relay

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/provider"
)

// Block kinds of an assistant turn.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
)

// AssistantBlock is one content block of an assembled assistant message.
type AssistantBlock struct {
	ToolUse   *provider.ToolUse `json:"tool_use,omitempty"`
	Kind      string            `json:"kind"`
	Text      string            `json:"text,omitempty"`
	Signature string            `json:"signature,omitempty"`
}

// AssistantTurn is the assistant message assembled from a stream, plus the
// results of tools the provider ran itself.
type AssistantTurn struct {
	ConversationID string                `json:"conversation_id"`
	Provider       string                `json:"provider"`
	StopReason     string                `json:"stop_reason,omitempty"`
	Error          string                `json:"error,omitempty"`
	Blocks         []AssistantBlock      `json:"blocks"`
	ToolResults    []provider.ToolResult `json:"tool_results,omitempty"`
	Usage          agentstream.Usage     `json:"usage"`
	// ExecutesTools is set when the provider runs tools itself, so every
	// tool use must have a result once the turn is stored.
	ExecutesTools bool `json:"executes_tools"`
}

// Text concatenates the text blocks.
func (t *AssistantTurn) Text() string {
	var sb strings.Builder
	for _, b := range t.Blocks {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Unresolved lists tool use ids without a result.
func (t *AssistantTurn) Unresolved() []string {
	answered := make(map[string]bool, len(t.ToolResults))
	for _, r := range t.ToolResults {
		answered[r.ToolUseID] = true
	}
	var out []string
	for _, b := range t.Blocks {
		if b.ToolUse != nil && !answered[b.ToolUse.ID] {
			out = append(out, b.ToolUse.ID)
		}
	}
	return out
}

// ResolveInterrupted gives every unanswered tool use an error result, for
// turns cut off by a timeout or an abort.
func (t *AssistantTurn) ResolveInterrupted(reason string) {
	for _, id := range t.Unresolved() {
		t.ToolResults = append(t.ToolResults, provider.ToolResult{
			ToolUseID: id,
			Content:   "Tool execution was interrupted: " + reason,
			IsError:   true,
		})
	}
}

// MustBeResolved panics when a turn from a provider that runs its own
// tools still has a tool use without a result. Storing such a turn
// corrupts the transcript for the next request; callers resolve cut-off
// tool uses first.
func (t *AssistantTurn) MustBeResolved() {
	if !t.ExecutesTools {
		return
	}
	if ids := t.Unresolved(); len(ids) > 0 {
		panic(fmt.Sprintf("relay: assistant turn for %s has unresolved tool uses %v", t.ConversationID, ids))
	}
}

// assembler folds normalized events into an AssistantTurn.
type assembler struct {
	turn    *AssistantTurn
	byIndex map[int]int
	inputs  map[int]*strings.Builder
	usage   usageTally
}

func newAssembler(conversationID, providerName string, executesTools bool) *assembler {
	return &assembler{
		turn: &AssistantTurn{
			ConversationID: conversationID,
			Provider:       providerName,
			ExecutesTools:  executesTools,
		},
		byIndex: make(map[int]int),
		inputs:  make(map[int]*strings.Builder),
	}
}

func (a *assembler) apply(ev agentstream.Event) {
	switch ev.Type {
	case agentstream.TypeTextStart:
		a.open(ev.BlockIndex, AssistantBlock{Kind: BlockText})
	case agentstream.TypeThinkingStart:
		a.open(ev.BlockIndex, AssistantBlock{Kind: BlockThinking})
	case agentstream.TypeToolUseStart:
		a.open(ev.BlockIndex, AssistantBlock{Kind: BlockToolUse, ToolUse: &provider.ToolUse{
			ID:   ev.MetaString(agentstream.MetaToolUseID),
			Name: ev.MetaString(agentstream.MetaToolName),
		}})
		a.inputs[ev.BlockIndex] = &strings.Builder{}
	case agentstream.TypeTextDelta, agentstream.TypeThinkingDelta:
		if b := a.block(ev.BlockIndex); b != nil {
			b.Text += ev.Content
		}
	case agentstream.TypeThinkingSignature:
		if b := a.block(ev.BlockIndex); b != nil {
			b.Signature = ev.Content
		}
	case agentstream.TypeToolUseDelta:
		if in := a.inputs[ev.BlockIndex]; in != nil {
			in.WriteString(ev.Content)
		}
	case agentstream.TypeToolUseStop:
		b := a.block(ev.BlockIndex)
		if b == nil || b.ToolUse == nil {
			return
		}
		input := ev.MetaString(agentstream.MetaInput)
		if input == "" {
			input = a.inputs[ev.BlockIndex].String()
		}
		if input == "" || !json.Valid([]byte(input)) {
			input = "{}"
		}
		b.ToolUse.Input = []byte(input)
	case agentstream.TypeToolResult:
		isError, _ := ev.Meta(agentstream.MetaIsError).(bool)
		a.turn.ToolResults = append(a.turn.ToolResults, provider.ToolResult{
			ToolUseID: ev.MetaString(agentstream.MetaToolUseID),
			Content:   ev.Content,
			IsError:   isError,
		})
	case agentstream.TypeUsage:
		a.usage.add(ev)
	case agentstream.TypeDone:
		a.turn.StopReason = ev.MetaString(agentstream.MetaStopReason)
	case agentstream.TypeError:
		a.turn.Error = ev.Content
	}
}

func (a *assembler) open(index int, b AssistantBlock) {
	a.byIndex[index] = len(a.turn.Blocks)
	a.turn.Blocks = append(a.turn.Blocks, b)
}

func (a *assembler) block(index int) *AssistantBlock {
	i, ok := a.byIndex[index]
	if !ok {
		return nil
	}
	return &a.turn.Blocks[i]
}

func (a *assembler) result() *AssistantTurn {
	a.turn.Usage = a.usage.total()
	return a.turn
}

// usageTally totals a stream's usage events. Cumulative reports replace
// each other and win over summed per-message increments.
type usageTally struct {
	sum        agentstream.Usage
	cumulative agentstream.Usage
	sawTotal   bool
}

func (u *usageTally) add(ev agentstream.Event) {
	usage, ok := agentstream.UsageOf(ev)
	if !ok {
		return
	}
	if usage.Cumulative {
		u.cumulative = usage
		u.sawTotal = true
		return
	}
	u.sum = u.sum.Add(usage)
}

func (u *usageTally) total() agentstream.Usage {
	if u.sawTotal {
		return u.cumulative
	}
	return u.sum
}
