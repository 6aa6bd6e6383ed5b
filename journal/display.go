package journal

import (
	"strings"

	"github.com/bazelment/chatstream/agentstream"
)

// Block is one rendered content block.
type Block struct {
	Kind      string `json:"kind"` // text, thinking, tool_use
	Text      string `json:"text,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	Input     string `json:"input,omitempty"`
	Result    string `json:"result,omitempty"`
	Index     int    `json:"index"`
	Closed    bool   `json:"closed"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Display rebuilds what a client shows for a stream from its frames. It is
// how a reconnecting client restores its view after a full replay.
type Display struct {
	byIndex map[int]*Block
	// Status is the stream_status value once the stream ended.
	Status string
	Reason string
	Error  string
	// Usage sums live usage frames. Replayed frames were already counted
	// by the session that saw them live and are skipped.
	Usage    agentstream.Usage
	Blocks   []*Block
	Summary  string
	LastSeen int64
	Done     bool
}

// NewDisplay creates an empty Display.
func NewDisplay() *Display {
	return &Display{byIndex: make(map[int]*Block), LastSeen: -1}
}

// Apply folds one frame into the display.
func (d *Display) Apply(f Frame) {
	switch f.Type {
	case FrameKeepalive, FrameTimeout:
		return
	case FrameStreamStatus:
		d.Status = f.Status
		d.Reason = f.Reason
		return
	}
	if f.Index > d.LastSeen {
		d.LastSeen = f.Index
	}

	ev := f.Event()
	switch ev.Type {
	case agentstream.TypeTextStart:
		d.open(ev.BlockIndex, "text")
	case agentstream.TypeThinkingStart:
		d.open(ev.BlockIndex, "thinking")
	case agentstream.TypeToolUseStart:
		b := d.open(ev.BlockIndex, "tool_use")
		b.ToolUseID = ev.MetaString(agentstream.MetaToolUseID)
		b.ToolName = ev.MetaString(agentstream.MetaToolName)
	case agentstream.TypeTextDelta, agentstream.TypeThinkingDelta:
		if b := d.byIndex[ev.BlockIndex]; b != nil {
			b.Text += ev.Content
		}
	case agentstream.TypeToolUseDelta:
		if b := d.byIndex[ev.BlockIndex]; b != nil {
			b.Input += ev.Content
		}
	case agentstream.TypeTextStop, agentstream.TypeThinkingStop:
		if b := d.byIndex[ev.BlockIndex]; b != nil {
			b.Closed = true
		}
	case agentstream.TypeToolUseStop:
		if b := d.byIndex[ev.BlockIndex]; b != nil {
			b.Closed = true
			if in := ev.MetaString(agentstream.MetaInput); in != "" {
				b.Input = in
			}
		}
	case agentstream.TypeToolResult:
		if b := d.byIndex[ev.BlockIndex]; b != nil {
			b.Result = ev.Content
			b.IsError, _ = ev.Meta(agentstream.MetaIsError).(bool)
		}
	case agentstream.TypeCompactionSummary:
		d.Summary = ev.Content
	case agentstream.TypeUsage:
		if f.Replay {
			return
		}
		if u, ok := agentstream.UsageOf(ev); ok {
			if u.Cumulative {
				d.Usage = u
			} else {
				d.Usage = d.Usage.Add(u)
			}
		}
	case agentstream.TypeError:
		d.Error = ev.Content
		d.Done = true
	case agentstream.TypeDone:
		d.Done = true
	}
}

func (d *Display) open(index int, kind string) *Block {
	b := &Block{Index: index, Kind: kind}
	d.byIndex[index] = b
	d.Blocks = append(d.Blocks, b)
	return b
}

// Text concatenates the text blocks.
func (d *Display) Text() string {
	var sb strings.Builder
	for _, b := range d.Blocks {
		if b.Kind == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
