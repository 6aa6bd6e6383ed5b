package codex

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Line types of `codex exec --json`.
const (
	lineThreadStarted = "thread.started"
	lineTurnStarted   = "turn.started"
	lineTurnCompleted = "turn.completed"
	lineTurnFailed    = "turn.failed"
	lineItemStarted   = "item.started"
	lineItemUpdated   = "item.updated"
	lineItemCompleted = "item.completed"
	lineError         = "error"
)

// Item types.
const (
	itemAgentMessage     = "agent_message"
	itemReasoning        = "reasoning"
	itemCommandExecution = "command_execution"
	itemFileChange       = "file_change"
	itemMCPToolCall      = "mcp_tool_call"
	itemWebSearch        = "web_search"
	itemTodoList         = "todo_list"
	itemError            = "error"
)

// toolCall is the synthetic tool block an item maps to.
type toolCall struct {
	name  string
	input string
}

// asToolCall maps items the CLI executes itself onto tool blocks so they
// render like tools run by other agents.
func asToolCall(item gjson.Result) (toolCall, bool) {
	switch item.Get("type").String() {
	case itemCommandExecution:
		return toolCall{name: "Bash", input: mustJSON(map[string]string{"command": item.Get("command").String()})}, true
	case itemFileChange:
		changes := item.Get("changes").Raw
		if changes == "" {
			changes = "[]"
		}
		return toolCall{name: "apply_patch", input: `{"changes":` + changes + `}`}, true
	case itemMCPToolCall:
		name := "mcp__" + item.Get("server").String() + "__" + item.Get("tool").String()
		args := item.Get("arguments")
		input := "{}"
		switch {
		case args.IsObject():
			input = args.Raw
		case args.Type == gjson.String && gjson.Valid(args.Str):
			input = args.Str
		}
		return toolCall{name: name, input: input}, true
	case itemWebSearch:
		return toolCall{name: "WebSearch", input: mustJSON(map[string]string{"query": item.Get("query").String()})}, true
	default:
		return toolCall{}, false
	}
}

// toolOutcome renders the result content of a completed tool item.
// exitCode is -1 when the item has none.
func toolOutcome(item gjson.Result) (content string, isError bool, exitCode int64) {
	exitCode = -1
	failed := item.Get("status").String() == "failed"
	switch item.Get("type").String() {
	case itemCommandExecution:
		content = item.Get("aggregated_output").String()
		if ec := item.Get("exit_code"); ec.Exists() && ec.Type != gjson.Null {
			exitCode = ec.Int()
		}
		return content, failed || exitCode > 0, exitCode
	case itemFileChange:
		var b strings.Builder
		item.Get("changes").ForEach(func(_, c gjson.Result) bool {
			fmt.Fprintf(&b, "%s %s\n", c.Get("kind").String(), c.Get("path").String())
			return true
		})
		return strings.TrimSuffix(b.String(), "\n"), failed, exitCode
	case itemMCPToolCall:
		if e := item.Get("error.message"); e.Exists() {
			return e.String(), true, exitCode
		}
		var parts []string
		item.Get("result.content").ForEach(func(_, c gjson.Result) bool {
			if t := c.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			}
			return true
		})
		return strings.Join(parts, "\n"), failed, exitCode
	default:
		return "", failed, exitCode
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
